package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/deemkeen/threadfed/domain"
)

const (
	postColumns = `id, ap_id, name, body, url, creator_id, community_id, local, removed, deleted, locked, published, updated`

	sqlUpsertPost = `INSERT INTO posts(ap_id, name, body, url, creator_id, community_id, local, removed, deleted,
		locked, published, updated)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(ap_id) DO UPDATE SET
			name = excluded.name,
			body = excluded.body,
			url = excluded.url,
			removed = excluded.removed,
			deleted = excluded.deleted,
			locked = excluded.locked,
			updated = excluded.updated
		RETURNING id`
	sqlSelectPostById   = `SELECT ` + postColumns + ` FROM posts WHERE id = ?`
	sqlSelectPostByApID = `SELECT ` + postColumns + ` FROM posts WHERE ap_id = ?`

	commentColumns = `id, ap_id, content, creator_id, post_id, parent_id, local, removed, deleted, published, updated`

	sqlUpsertComment = `INSERT INTO comments(ap_id, content, creator_id, post_id, parent_id, local, removed, deleted,
		published, updated)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(ap_id) DO UPDATE SET
			content = excluded.content,
			removed = excluded.removed,
			deleted = excluded.deleted,
			updated = excluded.updated
		RETURNING id`
	sqlSelectCommentById   = `SELECT ` + commentColumns + ` FROM comments WHERE id = ?`
	sqlSelectCommentByApID = `SELECT ` + commentColumns + ` FROM comments WHERE ap_id = ?`

	privateMessageColumns = `id, ap_id, content, creator_id, recipient_id, local, deleted, published, updated`

	sqlUpsertPrivateMessage = `INSERT INTO private_messages(ap_id, content, creator_id, recipient_id, local, deleted,
		published, updated)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(ap_id) DO UPDATE SET
			content = excluded.content,
			deleted = excluded.deleted,
			updated = excluded.updated
		RETURNING id`
	sqlSelectPrivateMessageById   = `SELECT ` + privateMessageColumns + ` FROM private_messages WHERE id = ?`
	sqlSelectPrivateMessageByApID = `SELECT ` + privateMessageColumns + ` FROM private_messages WHERE ap_id = ?`

	sqlUpsertVote = `INSERT INTO votes(ap_id, person_id, object_ap_id, score, published) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(ap_id) DO UPDATE SET score = excluded.score
		ON CONFLICT(person_id, object_ap_id) DO UPDATE SET ap_id = excluded.ap_id, score = excluded.score`
	sqlDeleteVoteByApID   = `DELETE FROM votes WHERE ap_id = ?`
	sqlSelectVoteScore    = `SELECT COALESCE(SUM(score), 0) FROM votes WHERE object_ap_id = ?`
	sqlSelectVoteByPerson = `SELECT ap_id, person_id, object_ap_id, score, published FROM votes
		WHERE person_id = ? AND object_ap_id = ?`
)

func scanPost(row scanner) (domain.Post, error) {
	var p domain.Post
	var updated sql.NullTime
	err := row.Scan(&p.Id, &p.ApID, &p.Name, &p.Body, &p.URL, &p.CreatorId, &p.CommunityId, &p.Local,
		&p.Removed, &p.Deleted, &p.Locked, &p.Published, &updated)
	p.Updated = timePtr(updated)
	return p, notFound(err)
}

func scanComment(row scanner) (domain.Comment, error) {
	var c domain.Comment
	var updated sql.NullTime
	err := row.Scan(&c.Id, &c.ApID, &c.Content, &c.CreatorId, &c.PostId, &c.ParentId, &c.Local, &c.Removed,
		&c.Deleted, &c.Published, &updated)
	c.Updated = timePtr(updated)
	return c, notFound(err)
}

func scanPrivateMessage(row scanner) (domain.PrivateMessage, error) {
	var m domain.PrivateMessage
	var updated sql.NullTime
	err := row.Scan(&m.Id, &m.ApID, &m.Content, &m.CreatorId, &m.RecipientId, &m.Local, &m.Deleted,
		&m.Published, &updated)
	m.Updated = timePtr(updated)
	return m, notFound(err)
}

func (db *DB) UpsertPost(ctx context.Context, p domain.Post) (int64, error) {
	if p.Published.IsZero() {
		p.Published = time.Now()
	}
	var id int64
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		return tx.QueryRowContext(ctx, sqlUpsertPost, p.ApID, p.Name, p.Body, p.URL, p.CreatorId, p.CommunityId,
			p.Local, p.Removed, p.Deleted, p.Locked, p.Published, nullTime(p.Updated)).Scan(&id)
	})
	return id, err
}

func (db *DB) ReadPostById(ctx context.Context, id int64) (domain.Post, error) {
	return scanPost(db.db.QueryRowContext(ctx, sqlSelectPostById, id))
}

func (db *DB) ReadPostByApID(ctx context.Context, apID string) (domain.Post, error) {
	return scanPost(db.db.QueryRowContext(ctx, sqlSelectPostByApID, apID))
}

func (db *DB) UpsertComment(ctx context.Context, c domain.Comment) (int64, error) {
	if c.Published.IsZero() {
		c.Published = time.Now()
	}
	var id int64
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		return tx.QueryRowContext(ctx, sqlUpsertComment, c.ApID, c.Content, c.CreatorId, c.PostId, c.ParentId,
			c.Local, c.Removed, c.Deleted, c.Published, nullTime(c.Updated)).Scan(&id)
	})
	return id, err
}

func (db *DB) ReadCommentById(ctx context.Context, id int64) (domain.Comment, error) {
	return scanComment(db.db.QueryRowContext(ctx, sqlSelectCommentById, id))
}

func (db *DB) ReadCommentByApID(ctx context.Context, apID string) (domain.Comment, error) {
	return scanComment(db.db.QueryRowContext(ctx, sqlSelectCommentByApID, apID))
}

func (db *DB) UpsertPrivateMessage(ctx context.Context, m domain.PrivateMessage) (int64, error) {
	if m.Published.IsZero() {
		m.Published = time.Now()
	}
	var id int64
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		return tx.QueryRowContext(ctx, sqlUpsertPrivateMessage, m.ApID, m.Content, m.CreatorId, m.RecipientId,
			m.Local, m.Deleted, m.Published, nullTime(m.Updated)).Scan(&id)
	})
	return id, err
}

func (db *DB) ReadPrivateMessageById(ctx context.Context, id int64) (domain.PrivateMessage, error) {
	return scanPrivateMessage(db.db.QueryRowContext(ctx, sqlSelectPrivateMessageById, id))
}

func (db *DB) ReadPrivateMessageByApID(ctx context.Context, apID string) (domain.PrivateMessage, error) {
	return scanPrivateMessage(db.db.QueryRowContext(ctx, sqlSelectPrivateMessageByApID, apID))
}

// ReadObjectByApID loads whichever object of the kinds in mask owns apID.
func (db *DB) ReadObjectByApID(ctx context.Context, mask domain.Kind, apID string) (domain.Object, error) {
	type reader func() (domain.Object, error)
	readers := []struct {
		kind domain.Kind
		read reader
	}{
		{domain.KindPerson, func() (domain.Object, error) { return asObject(db.ReadPersonByApID(ctx, apID)) }},
		{domain.KindCommunity, func() (domain.Object, error) { return asObject(db.ReadCommunityByApID(ctx, apID)) }},
		{domain.KindPost, func() (domain.Object, error) { return asObject(db.ReadPostByApID(ctx, apID)) }},
		{domain.KindComment, func() (domain.Object, error) { return asObject(db.ReadCommentByApID(ctx, apID)) }},
		{domain.KindPrivateMessage, func() (domain.Object, error) { return asObject(db.ReadPrivateMessageByApID(ctx, apID)) }},
	}
	for _, r := range readers {
		if !mask.Matches(r.kind) {
			continue
		}
		obj, err := r.read()
		if err == nil {
			return obj, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	return nil, ErrNotFound
}

func asObject[T domain.Object](v T, err error) (domain.Object, error) {
	if err != nil {
		return nil, err
	}
	return v, nil
}

var deletableTables = map[domain.Kind]string{
	domain.KindPerson:         "persons",
	domain.KindCommunity:      "communities",
	domain.KindPost:           "posts",
	domain.KindComment:        "comments",
	domain.KindPrivateMessage: "private_messages",
}

var removableTables = map[domain.Kind]string{
	domain.KindCommunity: "communities",
	domain.KindPost:      "posts",
	domain.KindComment:   "comments",
}

// SetDeletedByApID flips the deleted flag of the object with apID among the
// kinds in mask. It reports whether a row changed.
func (db *DB) SetDeletedByApID(ctx context.Context, mask domain.Kind, apID string, deleted bool) (bool, error) {
	return db.setFlag(ctx, deletableTables, "deleted", mask, apID, deleted)
}

// SetRemovedByApID flips the moderator removed flag.
func (db *DB) SetRemovedByApID(ctx context.Context, mask domain.Kind, apID string, removed bool) (bool, error) {
	return db.setFlag(ctx, removableTables, "removed", mask, apID, removed)
}

func (db *DB) setFlag(ctx context.Context, tables map[domain.Kind]string, column string, mask domain.Kind, apID string, value bool) (bool, error) {
	var changed bool
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		for _, kind := range []domain.Kind{domain.KindPerson, domain.KindCommunity, domain.KindPost, domain.KindComment, domain.KindPrivateMessage} {
			table, ok := tables[kind]
			if !ok || !mask.Matches(kind) {
				continue
			}
			res, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET %s = ? WHERE ap_id = ?`, table, column), value, apID)
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			if n > 0 {
				changed = true
				return nil
			}
		}
		return nil
	})
	return changed, err
}

// UpsertVote records a person's vote; a person has at most one vote per object.
func (db *DB) UpsertVote(ctx context.Context, v domain.Vote) error {
	if v.Published.IsZero() {
		v.Published = time.Now()
	}
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlUpsertVote, v.ApID, v.PersonId, v.ObjectApID, v.Score, v.Published)
		return err
	})
}

func (db *DB) DeleteVoteByApID(ctx context.Context, apID string) (bool, error) {
	var removed bool
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlDeleteVoteByApID, apID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		removed = n > 0
		return err
	})
	return removed, err
}

func (db *DB) ReadVote(ctx context.Context, personId int64, objectApID string) (domain.Vote, error) {
	var v domain.Vote
	err := db.db.QueryRowContext(ctx, sqlSelectVoteByPerson, personId, objectApID).
		Scan(&v.ApID, &v.PersonId, &v.ObjectApID, &v.Score, &v.Published)
	return v, notFound(err)
}

// ReadScore sums the votes on an object.
func (db *DB) ReadScore(ctx context.Context, objectApID string) (int, error) {
	var score int
	err := db.db.QueryRowContext(ctx, sqlSelectVoteScore, objectApID).Scan(&score)
	return score, err
}
