package remote

import (
	"fmt"
	"log/slog"

	"golang.org/x/oauth2"
)

// TokenSource provides bearer tokens. Defined at the consumer per Go
// convention "accept interfaces, return structs".
type TokenSource interface {
	Token() (string, error)
}

// APIKeyToken returns a TokenSource that presents the project API key as a
// bearer token, which is how anonymous clients authenticate.
func APIKeyToken(apiKey string, logger *slog.Logger) TokenSource {
	if logger == nil {
		logger = slog.Default()
	}

	src := oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: apiKey,
		TokenType:   "Bearer",
	})

	return &tokenBridge{src: src, logger: logger}
}

// tokenBridge adapts an oauth2.TokenSource to TokenSource.
type tokenBridge struct {
	src    oauth2.TokenSource
	logger *slog.Logger
}

func (b *tokenBridge) Token() (string, error) {
	t, err := b.src.Token()
	if err != nil {
		b.logger.Warn("token acquisition failed", slog.String("error", err.Error()))
		return "", fmt.Errorf("remote: obtaining token: %w", err)
	}

	return t.AccessToken, nil
}
