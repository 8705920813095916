package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/tonimelisma/researchroom/internal/record"
)

var errGone = fmt.Errorf("room: this room no longer exists: %w", record.ErrNotFound)

// errNoFocus is returned by actions that need a focused paper.
var errNoFocus = fmt.Errorf("room: no paper selected: %w", record.ErrInvalidInput)

// SelectPaper focuses the paper with id.
func (c *Controller) SelectPaper(id string) error {
	if c.isGone() {
		return errGone
	}

	if err := c.papers.Select(strings.TrimSpace(id)); err != nil {
		return fmt.Errorf("room: select paper: %w", err)
	}

	return nil
}

// ClearSelection drops the focused paper.
func (c *Controller) ClearSelection() {
	c.papers.ClearFocus()
}

// SetTab switches the focused paper's panel.
func (c *Controller) SetTab(t Tab) {
	c.mu.Lock()
	c.tab = t
	c.mu.Unlock()

	signal(c.updates)
}

// Refresh refetches every active session now.
func (c *Controller) Refresh(ctx context.Context) error {
	if c.isGone() {
		return errGone
	}

	var errs []error

	for _, s := range []interface {
		Active() bool
		Refresh(context.Context) error
	}{c.rooms, c.papers, c.notes} {
		if !s.Active() {
			continue
		}

		if err := s.Refresh(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	return c.fail(errors.Join(errs...))
}

// Upload extracts the document at path, summarizes it, stores it as a new
// paper in the room and focuses it.
func (c *Controller) Upload(ctx context.Context, path string) (record.Paper, error) {
	if c.isGone() {
		return record.Paper{}, errGone
	}

	done := c.startBusy("Processing paper")
	defer done()

	text, err := c.extract(path)
	if err != nil {
		return record.Paper{}, c.fail(fmt.Errorf("room: reading %s: %w", filepath.Base(path), err))
	}

	summary, err := c.assistant.Summarize(ctx, text)
	if err != nil {
		return record.Paper{}, c.fail(fmt.Errorf("room: failed to process paper: %w", err))
	}

	raw, err := c.backend.Insert(ctx, record.Papers, map[string]string{
		"title":     norm.NFC.String(filepath.Base(path)),
		"summary":   summary,
		"full_text": text,
		"room_id":   c.roomID,
	})
	if err != nil {
		return record.Paper{}, c.fail(fmt.Errorf("room: failed to process paper: %w", err))
	}

	var p record.Paper
	if err := json.Unmarshal(raw, &p); err != nil {
		return record.Paper{}, c.fail(fmt.Errorf("room: decoding stored paper: %w", err))
	}

	c.logger.Info("paper uploaded",
		slog.String("paper", p.ID),
		slog.String("title", p.Title),
		slog.Int("chars", len(text)),
	)

	// The refresh makes the new paper selectable without waiting for a
	// push or a tick.
	if err := c.papers.Refresh(ctx); err != nil {
		c.logger.Debug("refresh after upload failed", slog.String("error", err.Error()))
	}

	if err := c.papers.Select(p.ID); err != nil {
		c.logger.Debug("new paper not yet visible", slog.String("paper", p.ID))
	} else {
		c.SetTab(TabSummary)
	}

	return p, nil
}

// DeletePaper removes a paper and its notes. The focus is cleared at once
// when the paper is focused.
func (c *Controller) DeletePaper(ctx context.Context, id string) error {
	if c.isGone() {
		return errGone
	}

	id = strings.TrimSpace(id)

	if focus, ok := c.papers.Focus(); ok && focus.ID == id {
		c.papers.ClearFocus()
	}

	if err := c.backend.Delete(ctx, record.Papers, id); err != nil {
		return c.fail(fmt.Errorf("room: deleting paper: %w", err))
	}

	c.logger.Info("paper deleted", slog.String("paper", id))

	if err := c.papers.Refresh(ctx); err != nil {
		c.logger.Debug("refresh after delete failed", slog.String("error", err.Error()))
	}

	return nil
}

// Ask answers question against the focused paper and switches to the Q&A
// tab.
func (c *Controller) Ask(ctx context.Context, question string) (string, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return "", c.fail(fmt.Errorf("room: empty question: %w", record.ErrInvalidInput))
	}

	p, ok := c.papers.Focus()
	if !ok {
		return "", c.fail(errNoFocus)
	}

	done := c.startBusy("Analyzing")
	defer done()

	text, err := c.assistant.Answer(ctx, p.FullText, question)
	if err != nil {
		return "", c.fail(fmt.Errorf("room: failed to answer question: %w", err))
	}

	c.mu.Lock()
	c.answer = Answer{PaperID: p.ID, Question: question, Text: text}
	c.tab = TabQA
	c.mu.Unlock()

	signal(c.updates)

	return text, nil
}

// AddNote annotates the focused paper. Mentor feedback is generated first;
// if it fails the note is not stored.
func (c *Controller) AddNote(ctx context.Context, content string) (record.Annotation, error) {
	if strings.TrimSpace(content) == "" {
		return record.Annotation{}, c.fail(fmt.Errorf("room: empty note: %w", record.ErrInvalidInput))
	}

	p, ok := c.papers.Focus()
	if !ok {
		return record.Annotation{}, c.fail(errNoFocus)
	}

	done := c.startBusy("Adding note")
	defer done()

	feedback, err := c.assistant.Critique(ctx, p.FullText, content)
	if err != nil {
		return record.Annotation{}, c.fail(fmt.Errorf("room: failed to add note: %w", err))
	}

	raw, err := c.backend.Insert(ctx, record.Annotations, map[string]string{
		"paper_id":       p.ID,
		"content":        content,
		"ai_suggestions": feedback,
		"position":       record.PositionEnd,
		"user_identity":  c.ident.Name,
		"color":          c.ident.Color,
	})
	if err != nil {
		return record.Annotation{}, c.fail(fmt.Errorf("room: failed to add note: %w", err))
	}

	var a record.Annotation
	if err := json.Unmarshal(raw, &a); err != nil {
		return record.Annotation{}, c.fail(fmt.Errorf("room: decoding stored note: %w", err))
	}

	c.logger.Info("note added", slog.String("paper", p.ID), slog.String("note", a.ID))

	if c.notes.Active() {
		if err := c.notes.Refresh(ctx); err != nil {
			c.logger.Debug("refresh after note failed", slog.String("error", err.Error()))
		}
	}

	return a, nil
}

// DeleteNote removes one of the participant's own notes. Other people's
// notes are refused with record.ErrPermission.
func (c *Controller) DeleteNote(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)

	note, ok := c.notes.Get(id)
	if !ok {
		return c.fail(fmt.Errorf("room: note %q: %w", id, record.ErrNotFound))
	}

	if note.UserIdentity != c.ident.Name {
		return c.fail(fmt.Errorf("room: note %q belongs to %s: %w", id, note.UserIdentity, record.ErrPermission))
	}

	if err := c.backend.Delete(ctx, record.Annotations, id); err != nil {
		return c.fail(fmt.Errorf("room: deleting note: %w", err))
	}

	c.logger.Info("note deleted", slog.String("note", id))

	if err := c.notes.Refresh(ctx); err != nil {
		c.logger.Debug("refresh after note delete failed", slog.String("error", err.Error()))
	}

	return nil
}

// fail records err as the current notice and returns it unchanged.
func (c *Controller) fail(err error) error {
	if err != nil {
		c.setNotice(err)
	}

	return err
}

func (c *Controller) startBusy(what string) (done func()) {
	c.mu.Lock()
	c.busy = what
	c.mu.Unlock()

	signal(c.updates)

	return func() {
		c.mu.Lock()
		c.busy = ""
		c.mu.Unlock()

		signal(c.updates)
	}
}
