package db

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/deemkeen/threadfed/domain"
)

const (
	personColumns = `id, ap_id, name, display_name, bio, instance, inbox_url, shared_inbox_url,
		public_key, private_key, local, deleted, published, last_refreshed_at`

	sqlUpsertPerson = `INSERT INTO persons(ap_id, name, display_name, bio, instance, inbox_url,
		shared_inbox_url, public_key, private_key, local, deleted, published, last_refreshed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(ap_id) DO UPDATE SET
			name = excluded.name,
			display_name = excluded.display_name,
			bio = excluded.bio,
			inbox_url = excluded.inbox_url,
			shared_inbox_url = excluded.shared_inbox_url,
			public_key = excluded.public_key,
			deleted = excluded.deleted,
			last_refreshed_at = excluded.last_refreshed_at
		RETURNING id`
	sqlSelectPersonById          = `SELECT ` + personColumns + ` FROM persons WHERE id = ?`
	sqlSelectPersonByApID        = `SELECT ` + personColumns + ` FROM persons WHERE ap_id = ?`
	sqlSelectLocalPersonByName   = `SELECT ` + personColumns + ` FROM persons WHERE name = ? AND local = 1`
	sqlSelectPersonByHandle      = `SELECT ` + personColumns + ` FROM persons WHERE name = ? AND instance = ? ORDER BY id LIMIT 1`
	sqlSelectLocalPersonsCount   = `SELECT COUNT(*) FROM persons WHERE local = 1`
	sqlSelectSignerPersonByApID  = `SELECT ` + personColumns + ` FROM persons WHERE ap_id = ? AND local = 1`
	sqlSelectLocalPersons        = `SELECT ` + personColumns + ` FROM persons WHERE local = 1 ORDER BY id`

	communityColumns = `id, ap_id, name, title, description, instance, inbox_url, shared_inbox_url,
		followers_url, public_key, private_key, local, removed, deleted, published, last_refreshed_at`

	sqlUpsertCommunity = `INSERT INTO communities(ap_id, name, title, description, instance, inbox_url,
		shared_inbox_url, followers_url, public_key, private_key, local, removed, deleted, published,
		last_refreshed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(ap_id) DO UPDATE SET
			name = excluded.name,
			title = excluded.title,
			description = excluded.description,
			inbox_url = excluded.inbox_url,
			shared_inbox_url = excluded.shared_inbox_url,
			followers_url = excluded.followers_url,
			public_key = excluded.public_key,
			removed = excluded.removed,
			deleted = excluded.deleted,
			last_refreshed_at = excluded.last_refreshed_at
		RETURNING id`
	sqlSelectCommunityById        = `SELECT ` + communityColumns + ` FROM communities WHERE id = ?`
	sqlSelectCommunityByApID      = `SELECT ` + communityColumns + ` FROM communities WHERE ap_id = ?`
	sqlSelectLocalCommunityByName = `SELECT ` + communityColumns + ` FROM communities WHERE name = ? AND local = 1`
	sqlSelectCommunityByHandle    = `SELECT ` + communityColumns + ` FROM communities WHERE name = ? AND instance = ? ORDER BY id LIMIT 1`
	sqlSelectSignerCommunity      = `SELECT ` + communityColumns + ` FROM communities WHERE ap_id = ? AND local = 1`

	sqlUpsertCommunityFollow = `INSERT INTO community_follows(community_id, person_id, follow_ap_id, pending, published)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(community_id, person_id) DO UPDATE SET
			follow_ap_id = excluded.follow_ap_id,
			pending = excluded.pending`
	sqlDeleteCommunityFollow       = `DELETE FROM community_follows WHERE community_id = ? AND person_id = ?`
	sqlDeleteCommunityFollowByApID = `DELETE FROM community_follows WHERE follow_ap_id = ?`
	sqlAcceptCommunityFollow       = `UPDATE community_follows SET pending = 0 WHERE follow_ap_id = ?`
	sqlSelectCommunityFollow       = `SELECT community_id, person_id, follow_ap_id, pending, published
		FROM community_follows WHERE community_id = ? AND person_id = ?`
	sqlSelectFollowerInboxes = `SELECT CASE WHEN p.shared_inbox_url != '' THEN p.shared_inbox_url ELSE p.inbox_url END AS inbox
		FROM community_follows f
		INNER JOIN persons p ON p.id = f.person_id
		WHERE f.community_id = ? AND f.pending = 0 AND p.local = 0 AND p.deleted = 0
		GROUP BY inbox
		ORDER BY MIN(f.published), MIN(p.id)`
	sqlSelectFollowersCount = `SELECT COUNT(*) FROM community_follows WHERE community_id = ? AND pending = 0`
)

func scanPerson(row scanner) (domain.Person, error) {
	var p domain.Person
	err := row.Scan(&p.Id, &p.ApID, &p.Name, &p.DisplayName, &p.Bio, &p.Instance, &p.InboxURL,
		&p.SharedInboxURL, &p.PublicKeyPem, &p.PrivateKeyPem, &p.Local, &p.Deleted, &p.Published,
		&p.LastRefreshedAt)
	return p, notFound(err)
}

func scanCommunity(row scanner) (domain.Community, error) {
	var c domain.Community
	err := row.Scan(&c.Id, &c.ApID, &c.Name, &c.Title, &c.Description, &c.Instance, &c.InboxURL,
		&c.SharedInboxURL, &c.FollowersURL, &c.PublicKeyPem, &c.PrivateKeyPem, &c.Local, &c.Removed,
		&c.Deleted, &c.Published, &c.LastRefreshedAt)
	return c, notFound(err)
}

// UpsertPerson inserts or refreshes a person keyed by ap_id and returns its
// local id. The local flag and private key of an existing row are kept.
func (db *DB) UpsertPerson(ctx context.Context, p domain.Person) (int64, error) {
	if p.Published.IsZero() {
		p.Published = time.Now()
	}
	if p.LastRefreshedAt.IsZero() {
		p.LastRefreshedAt = time.Now()
	}
	var id int64
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		return tx.QueryRowContext(ctx, sqlUpsertPerson, p.ApID, p.Name, p.DisplayName, p.Bio, p.Instance,
			p.InboxURL, p.SharedInboxURL, p.PublicKeyPem, p.PrivateKeyPem, p.Local, p.Deleted,
			p.Published, p.LastRefreshedAt).Scan(&id)
	})
	return id, err
}

func (db *DB) ReadPersonById(ctx context.Context, id int64) (domain.Person, error) {
	return scanPerson(db.db.QueryRowContext(ctx, sqlSelectPersonById, id))
}

func (db *DB) ReadPersonByApID(ctx context.Context, apID string) (domain.Person, error) {
	return scanPerson(db.db.QueryRowContext(ctx, sqlSelectPersonByApID, apID))
}

func (db *DB) ReadLocalPersonByName(ctx context.Context, name string) (domain.Person, error) {
	return scanPerson(db.db.QueryRowContext(ctx, sqlSelectLocalPersonByName, name))
}

// ReadPersonByHandle finds a person previously resolved as name@instance.
func (db *DB) ReadPersonByHandle(ctx context.Context, name, instance string) (domain.Person, error) {
	return scanPerson(db.db.QueryRowContext(ctx, sqlSelectPersonByHandle, name, instance))
}

func (db *DB) ReadLocalPersons(ctx context.Context) ([]domain.Person, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectLocalPersons)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var persons []domain.Person
	for rows.Next() {
		p, err := scanPerson(rows)
		if err != nil {
			return nil, err
		}
		persons = append(persons, p)
	}
	return persons, rows.Err()
}

func (db *DB) CountLocalPersons(ctx context.Context) (int, error) {
	var n int
	err := db.db.QueryRowContext(ctx, sqlSelectLocalPersonsCount).Scan(&n)
	return n, err
}

// UpsertCommunity inserts or refreshes a community keyed by ap_id.
func (db *DB) UpsertCommunity(ctx context.Context, c domain.Community) (int64, error) {
	if c.Published.IsZero() {
		c.Published = time.Now()
	}
	if c.LastRefreshedAt.IsZero() {
		c.LastRefreshedAt = time.Now()
	}
	var id int64
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		return tx.QueryRowContext(ctx, sqlUpsertCommunity, c.ApID, c.Name, c.Title, c.Description,
			c.Instance, c.InboxURL, c.SharedInboxURL, c.FollowersURL, c.PublicKeyPem, c.PrivateKeyPem,
			c.Local, c.Removed, c.Deleted, c.Published, c.LastRefreshedAt).Scan(&id)
	})
	return id, err
}

func (db *DB) ReadCommunityById(ctx context.Context, id int64) (domain.Community, error) {
	return scanCommunity(db.db.QueryRowContext(ctx, sqlSelectCommunityById, id))
}

func (db *DB) ReadCommunityByApID(ctx context.Context, apID string) (domain.Community, error) {
	return scanCommunity(db.db.QueryRowContext(ctx, sqlSelectCommunityByApID, apID))
}

func (db *DB) ReadLocalCommunityByName(ctx context.Context, name string) (domain.Community, error) {
	return scanCommunity(db.db.QueryRowContext(ctx, sqlSelectLocalCommunityByName, name))
}

func (db *DB) ReadCommunityByHandle(ctx context.Context, name, instance string) (domain.Community, error) {
	return scanCommunity(db.db.QueryRowContext(ctx, sqlSelectCommunityByHandle, name, instance))
}

// ReadLocalSigner returns the local actor (person or community) owning apID,
// including its private key.
func (db *DB) ReadLocalSigner(ctx context.Context, apID string) (domain.Actor, error) {
	p, err := scanPerson(db.db.QueryRowContext(ctx, sqlSelectSignerPersonByApID, apID))
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	c, err := scanCommunity(db.db.QueryRowContext(ctx, sqlSelectSignerCommunity, apID))
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (db *DB) UpsertCommunityFollow(ctx context.Context, f domain.CommunityFollow) error {
	if f.Published.IsZero() {
		f.Published = time.Now()
	}
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlUpsertCommunityFollow, f.CommunityId, f.PersonId, f.FollowApID, f.Pending, f.Published)
		return err
	})
}

func (db *DB) ReadCommunityFollow(ctx context.Context, communityId, personId int64) (domain.CommunityFollow, error) {
	var f domain.CommunityFollow
	err := db.db.QueryRowContext(ctx, sqlSelectCommunityFollow, communityId, personId).
		Scan(&f.CommunityId, &f.PersonId, &f.FollowApID, &f.Pending, &f.Published)
	return f, notFound(err)
}

func (db *DB) DeleteCommunityFollow(ctx context.Context, communityId, personId int64) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlDeleteCommunityFollow, communityId, personId)
		return err
	})
}

// DeleteCommunityFollowByApID removes the follow created by the Follow
// activity followApID. It reports whether a row was removed.
func (db *DB) DeleteCommunityFollowByApID(ctx context.Context, followApID string) (bool, error) {
	var removed bool
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlDeleteCommunityFollowByApID, followApID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		removed = n > 0
		return err
	})
	return removed, err
}

// AcceptCommunityFollow clears the pending flag of the follow created by
// followApID.
func (db *DB) AcceptCommunityFollow(ctx context.Context, followApID string) (bool, error) {
	var accepted bool
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlAcceptCommunityFollow, followApID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		accepted = n > 0
		return err
	})
	return accepted, err
}

// ReadCommunityFollowerInboxes lists the distinct delivery inboxes of the
// accepted remote followers of a community, shared inboxes preferred.
func (db *DB) ReadCommunityFollowerInboxes(ctx context.Context, communityId int64) ([]string, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectFollowerInboxes, communityId)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var inboxes []string
	for rows.Next() {
		var inbox string
		if err := rows.Scan(&inbox); err != nil {
			return nil, err
		}
		inboxes = append(inboxes, inbox)
	}
	return inboxes, rows.Err()
}

func (db *DB) CountCommunityFollowers(ctx context.Context, communityId int64) (int, error) {
	var n int
	err := db.db.QueryRowContext(ctx, sqlSelectFollowersCount, communityId).Scan(&n)
	return n, err
}
