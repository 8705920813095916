package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/tonimelisma/researchroom/internal/record"
)

const (
	restPrefix         = "/rest/v1/"
	returnRepresenting = "return=representation"
	maxResponseBytes   = 32 << 20
)

func restPath(c record.Collection) string {
	return restPrefix + string(c)
}

func checkCollection(c record.Collection) error {
	if !c.Valid() {
		return fmt.Errorf("remote: unknown collection %q: %w", c, record.ErrInvalidInput)
	}

	return nil
}

// FetchCollection reads every row of collection matching filter, sorted by
// order.
func (c *Client) FetchCollection(
	ctx context.Context, collection record.Collection, filter record.Filter, order record.Order,
) ([]json.RawMessage, error) {
	if err := checkCollection(collection); err != nil {
		return nil, err
	}

	q := url.Values{"select": {"*"}}
	if !filter.IsZero() {
		q.Set(filter.Column, "eq."+filter.Value)
	}

	if o := order.String(); o != "" {
		q.Set("order", o)
	}

	resp, err := c.do(ctx, request{method: http.MethodGet, path: restPath(collection), query: q})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var rows []json.RawMessage
	if err := json.NewDecoder(limitBody(resp)).Decode(&rows); err != nil {
		return nil, fmt.Errorf("remote: decoding %s: %w: %w", collection, record.ErrRemoteUnavailable, err)
	}

	c.logger.Debug("fetched collection",
		slog.String("collection", string(collection)),
		slog.String("filter", filter.String()),
		slog.Int("rows", len(rows)),
	)

	return rows, nil
}

// Insert writes row and returns the stored representation, including the
// server-assigned id and created_at.
func (c *Client) Insert(ctx context.Context, collection record.Collection, row any) (json.RawMessage, error) {
	if err := checkCollection(collection); err != nil {
		return nil, err
	}

	body, err := json.Marshal(row)
	if err != nil {
		return nil, fmt.Errorf("remote: encoding %s row: %w", collection, err)
	}

	resp, err := c.do(ctx, request{
		method: http.MethodPost,
		path:   restPath(collection),
		body:   body,
		prefer: returnRepresenting,
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var rows []json.RawMessage
	if err := json.NewDecoder(limitBody(resp)).Decode(&rows); err != nil {
		return nil, fmt.Errorf("remote: decoding inserted %s: %w: %w", collection, record.ErrRemoteUnavailable, err)
	}

	if len(rows) == 0 {
		return nil, fmt.Errorf("remote: insert into %s returned no row: %w", collection, record.ErrPermission)
	}

	c.logger.Info("inserted row", slog.String("collection", string(collection)))

	return rows[0], nil
}

// Delete removes the row with the given id. Deleting a row that is already
// gone succeeds, since another participant may have raced us to it.
func (c *Client) Delete(ctx context.Context, collection record.Collection, id string) error {
	if err := checkCollection(collection); err != nil {
		return err
	}

	if id == "" {
		return fmt.Errorf("remote: delete from %s without id: %w", collection, record.ErrInvalidInput)
	}

	resp, err := c.do(ctx, request{
		method: http.MethodDelete,
		path:   restPath(collection),
		query:  url.Values{"id": {"eq." + id}},
		prefer: returnRepresenting,
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var rows []json.RawMessage
	if err := json.NewDecoder(limitBody(resp)).Decode(&rows); err == nil && len(rows) == 0 {
		c.logger.Debug("delete matched no row",
			slog.String("collection", string(collection)),
			slog.String("id", id),
		)

		return nil
	}

	c.logger.Info("deleted row",
		slog.String("collection", string(collection)),
		slog.String("id", id),
	)

	return nil
}

func limitBody(resp *http.Response) io.Reader {
	return io.LimitReader(resp.Body, maxResponseBytes)
}
