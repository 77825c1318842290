package db

import (
	"context"
	"database/sql"
)

const (
	sqlCreatePersonsTable = `CREATE TABLE IF NOT EXISTS persons (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ap_id TEXT UNIQUE NOT NULL,
		name TEXT NOT NULL,
		display_name TEXT NOT NULL DEFAULT '',
		bio TEXT NOT NULL DEFAULT '',
		instance TEXT NOT NULL,
		inbox_url TEXT NOT NULL,
		shared_inbox_url TEXT NOT NULL DEFAULT '',
		public_key TEXT NOT NULL,
		private_key TEXT NOT NULL DEFAULT '',
		local INTEGER NOT NULL DEFAULT 0,
		deleted INTEGER NOT NULL DEFAULT 0,
		published TIMESTAMP NOT NULL,
		last_refreshed_at TIMESTAMP NOT NULL
	)`

	sqlCreatePersonsIndices = `
		CREATE INDEX IF NOT EXISTS idx_persons_name_instance ON persons(name, instance);
	`

	sqlCreateCommunitiesTable = `CREATE TABLE IF NOT EXISTS communities (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ap_id TEXT UNIQUE NOT NULL,
		name TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		instance TEXT NOT NULL,
		inbox_url TEXT NOT NULL,
		shared_inbox_url TEXT NOT NULL DEFAULT '',
		followers_url TEXT NOT NULL DEFAULT '',
		public_key TEXT NOT NULL,
		private_key TEXT NOT NULL DEFAULT '',
		local INTEGER NOT NULL DEFAULT 0,
		removed INTEGER NOT NULL DEFAULT 0,
		deleted INTEGER NOT NULL DEFAULT 0,
		published TIMESTAMP NOT NULL,
		last_refreshed_at TIMESTAMP NOT NULL
	)`

	sqlCreateCommunitiesIndices = `
		CREATE INDEX IF NOT EXISTS idx_communities_name_instance ON communities(name, instance);
	`

	sqlCreatePostsTable = `CREATE TABLE IF NOT EXISTS posts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ap_id TEXT UNIQUE NOT NULL,
		name TEXT NOT NULL,
		body TEXT NOT NULL DEFAULT '',
		url TEXT NOT NULL DEFAULT '',
		creator_id INTEGER NOT NULL REFERENCES persons(id),
		community_id INTEGER NOT NULL REFERENCES communities(id),
		local INTEGER NOT NULL DEFAULT 0,
		removed INTEGER NOT NULL DEFAULT 0,
		deleted INTEGER NOT NULL DEFAULT 0,
		locked INTEGER NOT NULL DEFAULT 0,
		published TIMESTAMP NOT NULL,
		updated TIMESTAMP
	)`

	sqlCreateCommentsTable = `CREATE TABLE IF NOT EXISTS comments (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ap_id TEXT UNIQUE NOT NULL,
		content TEXT NOT NULL,
		creator_id INTEGER NOT NULL REFERENCES persons(id),
		post_id INTEGER NOT NULL REFERENCES posts(id),
		parent_id INTEGER NOT NULL DEFAULT 0,
		local INTEGER NOT NULL DEFAULT 0,
		removed INTEGER NOT NULL DEFAULT 0,
		deleted INTEGER NOT NULL DEFAULT 0,
		published TIMESTAMP NOT NULL,
		updated TIMESTAMP
	)`

	sqlCreatePrivateMessagesTable = `CREATE TABLE IF NOT EXISTS private_messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ap_id TEXT UNIQUE NOT NULL,
		content TEXT NOT NULL,
		creator_id INTEGER NOT NULL REFERENCES persons(id),
		recipient_id INTEGER NOT NULL REFERENCES persons(id),
		local INTEGER NOT NULL DEFAULT 0,
		deleted INTEGER NOT NULL DEFAULT 0,
		published TIMESTAMP NOT NULL,
		updated TIMESTAMP
	)`

	sqlCreateContentIndices = `
		CREATE INDEX IF NOT EXISTS idx_posts_community_id ON posts(community_id);
		CREATE INDEX IF NOT EXISTS idx_comments_post_id ON comments(post_id);
	`

	sqlCreateCommunityFollowsTable = `CREATE TABLE IF NOT EXISTS community_follows (
		community_id INTEGER NOT NULL REFERENCES communities(id),
		person_id INTEGER NOT NULL REFERENCES persons(id),
		follow_ap_id TEXT NOT NULL DEFAULT '',
		pending INTEGER NOT NULL DEFAULT 0,
		published TIMESTAMP NOT NULL,
		PRIMARY KEY (community_id, person_id)
	)`

	sqlCreateCommunityFollowsIndices = `
		CREATE INDEX IF NOT EXISTS idx_community_follows_follow_ap_id ON community_follows(follow_ap_id);
	`

	sqlCreateVotesTable = `CREATE TABLE IF NOT EXISTS votes (
		ap_id TEXT NOT NULL PRIMARY KEY,
		person_id INTEGER NOT NULL REFERENCES persons(id),
		object_ap_id TEXT NOT NULL,
		score INTEGER NOT NULL,
		published TIMESTAMP NOT NULL,
		UNIQUE(person_id, object_ap_id)
	)`

	sqlCreateReceivedActivitiesTable = `CREATE TABLE IF NOT EXISTS received_activities (
		ap_id TEXT NOT NULL PRIMARY KEY,
		actor_ap_id TEXT NOT NULL,
		type TEXT NOT NULL,
		received_at TIMESTAMP NOT NULL
	)`

	sqlCreateDeliveryQueueTable = `CREATE TABLE IF NOT EXISTS delivery_queue (
		id TEXT NOT NULL PRIMARY KEY,
		intent_id TEXT NOT NULL,
		inbox_url TEXT NOT NULL,
		activity_id TEXT NOT NULL,
		payload TEXT NOT NULL,
		digest TEXT NOT NULL,
		signer_ap_id TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		next_attempt_at TIMESTAMP NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		last_error TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		UNIQUE(activity_id, inbox_url)
	)`

	sqlCreateDeliveryQueueIndices = `
		CREATE INDEX IF NOT EXISTS idx_delivery_queue_status ON delivery_queue(status, created_at);
	`
)

// RunMigrations creates every table the federation core persists.
func (db *DB) RunMigrations(ctx context.Context) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		tables := []struct {
			name string
			sql  string
		}{
			{"persons", sqlCreatePersonsTable},
			{"communities", sqlCreateCommunitiesTable},
			{"posts", sqlCreatePostsTable},
			{"comments", sqlCreateCommentsTable},
			{"private_messages", sqlCreatePrivateMessagesTable},
			{"community_follows", sqlCreateCommunityFollowsTable},
			{"votes", sqlCreateVotesTable},
			{"received_activities", sqlCreateReceivedActivitiesTable},
			{"delivery_queue", sqlCreateDeliveryQueueTable},
		}
		for _, t := range tables {
			if err := db.createTableIfNotExists(tx, t.sql, t.name); err != nil {
				return err
			}
		}

		for _, indices := range []string{
			sqlCreatePersonsIndices,
			sqlCreateCommunitiesIndices,
			sqlCreateContentIndices,
			sqlCreateCommunityFollowsIndices,
			sqlCreateDeliveryQueueIndices,
		} {
			if _, err := tx.Exec(indices); err != nil {
				return err
			}
		}
		return nil
	})
}

func (db *DB) createTableIfNotExists(tx *sql.Tx, createSQL string, tableName string) error {
	if _, err := tx.Exec(createSQL); err != nil {
		return err
	}
	db.logger.Debug("table created or already exists")
	return nil
}
