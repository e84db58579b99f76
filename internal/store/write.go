package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/roach88/hashrepo/internal/apperr"
	"github.com/roach88/hashrepo/internal/ast"
)

// CommitSubmission records a submission of c.URI by c.SubmitterID in a
// single transaction: the content row (reused when the digest is already
// known), its index terms, the submission, and its targets. The submitter
// is always a target.
//
// On any error the transaction is rolled back before returning; no partial
// submission is ever visible to readers.
func (s *Store) CommitSubmission(ctx context.Context, c Commit) (Committed, error) {
	if c.URI.IsZero() {
		return Committed{}, apperr.New(apperr.CodeValidation, "commit: missing content identifier")
	}
	if c.SubmitterID <= 0 {
		return Committed{}, apperr.New(apperr.CodeValidation, "commit: missing submitter")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Committed{}, classify("commit: begin tx", err)
	}
	defer tx.Rollback() // No-op if committed

	out := Committed{}

	result, err := tx.ExecContext(ctx, `
		INSERT INTO contents (algorithm, digest, media_type, size)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (algorithm, digest) DO NOTHING
	`, c.URI.Algorithm, c.URI.Digest, c.MediaType, c.Size)
	if err != nil {
		return Committed{}, classify("commit: insert content", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return Committed{}, classify("commit: rows affected", err)
	}

	if affected > 0 {
		out.NewContent = true
		if out.ContentID, err = result.LastInsertId(); err != nil {
			return Committed{}, classify("commit: content id", err)
		}
	} else {
		err = tx.QueryRowContext(ctx, `
			SELECT id FROM contents WHERE algorithm = ? AND digest = ?
		`, c.URI.Algorithm, c.URI.Digest).Scan(&out.ContentID)
		if err != nil {
			return Committed{}, classify("commit: select existing content", err)
		}
	}

	// Terms only need writing once per content record.
	if out.NewContent && len(c.Terms) > 0 {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO terms (content_id, term) VALUES (?, ?)
			ON CONFLICT (content_id, term) DO NOTHING
		`)
		if err != nil {
			return Committed{}, classify("commit: prepare terms", err)
		}
		defer stmt.Close()
		for _, term := range c.Terms {
			if _, err := stmt.ExecContext(ctx, out.ContentID, term); err != nil {
				return Committed{}, classify("commit: insert term", err)
			}
		}
	}

	now := time.Now().UTC()
	result, err = tx.ExecContext(ctx, `
		INSERT INTO submissions (content_id, submitter_id, created_at)
		VALUES (?, ?, ?)
	`, out.ContentID, c.SubmitterID, now.UnixMilli())
	if err != nil {
		return Committed{}, classify("commit: insert submission", err)
	}
	if out.SubmissionID, err = result.LastInsertId(); err != nil {
		return Committed{}, classify("commit: submission id", err)
	}

	out.Targets = normalizeTargets(c.SubmitterID, c.Targets)
	for _, target := range out.Targets {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO targets (submission_id, user_id) VALUES (?, ?)
		`, out.SubmissionID, target)
		if err != nil {
			return Committed{}, classify("commit: insert target", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return Committed{}, classify("commit", err)
	}

	out.CreatedAt = fromMillis(now.UnixMilli())
	return out, nil
}

// normalizeTargets returns the distinct targets plus the submitter, sorted
// with the public sentinel first.
func normalizeTargets(submitterID int64, targets []int64) []int64 {
	set := map[int64]struct{}{submitterID: {}}
	for _, t := range targets {
		if t < ast.PublicUserID {
			continue
		}
		set[t] = struct{}{}
	}
	out := make([]int64, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// CreateUser inserts a local account. passwordHash must already be hashed.
func (s *Store) CreateUser(ctx context.Context, username, passwordHash string, canWrite bool) (User, error) {
	username = strings.TrimSpace(username)
	if username == "" || strings.EqualFold(username, PublicTargetName) {
		return User{}, apperr.Newf(apperr.CodeValidation, "invalid username %q", username)
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, password_hash, can_write, created_at)
		VALUES (?, ?, ?, ?)
	`, username, passwordHash, canWrite, time.Now().UTC().UnixMilli())
	if err != nil {
		return User{}, classify("create user", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return User{}, classify("create user: id", err)
	}
	return User{ID: id, Username: username, PasswordHash: passwordHash, CanWrite: canWrite}, nil
}

// SavePull inserts or replaces a persisted replication subscription.
func (s *Store) SavePull(ctx context.Context, p PullRecord) error {
	if p.ID == "" {
		return apperr.New(apperr.CodeValidation, "save pull: missing id")
	}
	targets, err := marshalTargets(p.Targets)
	if err != nil {
		return fmt.Errorf("save pull: %w", err)
	}
	created := p.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO pulls (id, user_id, targets, remote, query, language, username, password, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			user_id = excluded.user_id,
			targets = excluded.targets,
			remote = excluded.remote,
			query = excluded.query,
			language = excluded.language,
			username = excluded.username,
			password = excluded.password
	`, p.ID, p.UserID, targets, p.Remote, p.Query, p.Language, p.Username, p.Password, created.UnixMilli())
	if err != nil {
		return classify("save pull", err)
	}
	return nil
}

// DeletePull removes a persisted subscription. Deleting an unknown id is
// not an error.
func (s *Store) DeletePull(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM pulls WHERE id = ?`, id); err != nil {
		return classify("delete pull", err)
	}
	return nil
}
