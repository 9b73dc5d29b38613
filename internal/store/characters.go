package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackzampolin/narrate/internal/pipeline"
	"github.com/jackzampolin/narrate/internal/task"
)

// Character is a persisted character of a book.
type Character struct {
	BookID       int64                  `json:"book_id" yaml:"book_id"`
	Key          string                 `json:"key" yaml:"key"`
	Name         string                 `json:"name" yaml:"name"`
	Traits       []string               `json:"traits,omitempty" yaml:"traits,omitempty"`
	VoiceProfile *pipeline.VoiceProfile `json:"voice_profile,omitempty" yaml:"voice_profile,omitempty"`
	SpeakerID    *int                   `json:"speaker_id,omitempty" yaml:"speaker_id,omitempty"`
	Chapters     int                    `json:"chapters" yaml:"chapters"`
	DialogLines  int                    `json:"dialog_lines" yaml:"dialog_lines"`
	UpdatedAt    time.Time              `json:"updated_at" yaml:"updated_at"`
}

// Persist upserts every character of payload by (book_id, name_key) and
// replaces its dialog lines for the payload's chapter. Delivering the same
// payload twice leaves the store unchanged. It returns the number of
// characters written.
func (s *Store) Persist(ctx context.Context, payload *task.Payload) (int, error) {
	if payload == nil {
		return 0, nil
	}
	now := unixMillis(time.Now())

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for _, c := range payload.Characters {
			if err := upsertCharacter(ctx, tx, payload.BookID, payload.ChapterID, c, now); err != nil {
				return fmt.Errorf("persist character %q: %w", c.Name, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	s.logger.Debug("persisted characters",
		"book_id", payload.BookID,
		"chapter_id", payload.ChapterID,
		"characters", len(payload.Characters))
	return len(payload.Characters), nil
}

func upsertCharacter(ctx context.Context, tx *sql.Tx, bookID, chapterID int64, c *pipeline.CharacterData, now int64) error {
	key := pipeline.Key(c.Name)

	traits := c.Traits
	if traits == nil {
		traits = []string{}
	}
	traitsJSON, err := json.Marshal(traits)
	if err != nil {
		return fmt.Errorf("encode traits: %w", err)
	}
	var voice sql.NullString
	if c.VoiceProfile != nil {
		b, err := json.Marshal(c.VoiceProfile)
		if err != nil {
			return fmt.Errorf("encode voice profile: %w", err)
		}
		voice = sql.NullString{String: string(b), Valid: true}
	}
	var speaker sql.NullInt64
	if c.AssignedSpeakerID != nil {
		speaker = sql.NullInt64{Int64: int64(*c.AssignedSpeakerID), Valid: true}
	}

	// A later chapter without a voice keeps the one already stored.
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO characters (book_id, name_key, name, traits, voice_profile, speaker_id, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (book_id, name_key) DO UPDATE SET
			name = excluded.name,
			traits = excluded.traits,
			voice_profile = COALESCE(excluded.voice_profile, characters.voice_profile),
			speaker_id = COALESCE(excluded.speaker_id, characters.speaker_id),
			updated_at = excluded.updated_at`,
		bookID, key, c.Name, string(traitsJSON), voice, speaker, now); err != nil {
		return err
	}

	pagesJSON, err := json.Marshal(c.PagesAppearing.Sorted())
	if err != nil {
		return fmt.Errorf("encode pages: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO character_chapters (book_id, chapter_id, name_key, pages)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (book_id, chapter_id, name_key) DO UPDATE SET pages = excluded.pages`,
		bookID, chapterID, key, string(pagesJSON)); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM dialog_lines WHERE book_id = ? AND chapter_id = ? AND name_key = ?`,
		bookID, chapterID, key); err != nil {
		return err
	}
	for i, line := range c.DialogLines {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO dialog_lines (book_id, chapter_id, name_key, seq, page_number, text, emotion, intensity)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			bookID, chapterID, key, i, line.PageNumber, line.Text, line.Emotion, line.Intensity); err != nil {
			return err
		}
	}
	return nil
}

// ListCharacters returns the characters of a book ordered by name.
func (s *Store) ListCharacters(ctx context.Context, bookID int64) ([]*Character, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.name_key, c.name, c.traits, c.voice_profile, c.speaker_id, c.updated_at,
			(SELECT COUNT(*) FROM character_chapters cc WHERE cc.book_id = c.book_id AND cc.name_key = c.name_key),
			(SELECT COUNT(*) FROM dialog_lines d WHERE d.book_id = c.book_id AND d.name_key = c.name_key)
		FROM characters c
		WHERE c.book_id = ?
		ORDER BY c.name_key`, bookID)
	if err != nil {
		return nil, fmt.Errorf("query characters: %w", err)
	}
	defer rows.Close()

	var out []*Character
	for rows.Next() {
		var (
			c       = &Character{BookID: bookID}
			traits  string
			voice   sql.NullString
			speaker sql.NullInt64
			updated int64
		)
		if err := rows.Scan(&c.Key, &c.Name, &traits, &voice, &speaker, &updated, &c.Chapters, &c.DialogLines); err != nil {
			return nil, fmt.Errorf("scan character: %w", err)
		}
		if err := json.Unmarshal([]byte(traits), &c.Traits); err != nil {
			return nil, fmt.Errorf("decode traits of %q: %w", c.Name, err)
		}
		if voice.Valid {
			c.VoiceProfile = &pipeline.VoiceProfile{}
			if err := json.Unmarshal([]byte(voice.String), c.VoiceProfile); err != nil {
				return nil, fmt.Errorf("decode voice profile of %q: %w", c.Name, err)
			}
		}
		if speaker.Valid {
			id := int(speaker.Int64)
			c.SpeakerID = &id
		}
		c.UpdatedAt = fromUnixMillis(updated)
		out = append(out, c)
	}
	return out, rows.Err()
}

// DialogLines returns the stored lines of one character in one chapter.
func (s *Store) DialogLines(ctx context.Context, bookID, chapterID int64, name string) ([]pipeline.DialogLine, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT page_number, text, emotion, intensity
		FROM dialog_lines
		WHERE book_id = ? AND chapter_id = ? AND name_key = ?
		ORDER BY seq`, bookID, chapterID, pipeline.Key(name))
	if err != nil {
		return nil, fmt.Errorf("query dialog lines: %w", err)
	}
	defer rows.Close()

	var out []pipeline.DialogLine
	for rows.Next() {
		var line pipeline.DialogLine
		if err := rows.Scan(&line.PageNumber, &line.Text, &line.Emotion, &line.Intensity); err != nil {
			return nil, fmt.Errorf("scan dialog line: %w", err)
		}
		out = append(out, line)
	}
	return out, rows.Err()
}
