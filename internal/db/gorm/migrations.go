// Package gorm provides GORM-based database operations for storygroup.
package gorm

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

// runMigrations runs all database migrations using gormigrate.
func runMigrations(db *gorm.DB, isPostgres bool) error {
	m := gormigrate.New(db, gormigrate.DefaultOptions, []*gormigrate.Migration{
		// Migration 001: pgvector extension (PostgreSQL only)
		{
			ID: "001_vector_extension",
			Migrate: func(tx *gorm.DB) error {
				if !isPostgres {
					return nil
				}
				return tx.Exec("CREATE EXTENSION IF NOT EXISTS vector").Error
			},
			Rollback: func(tx *gorm.DB) error {
				return nil // extension may be shared; never drop it
			},
		},

		// Migration 002: embeddings table
		{
			ID: "002_story_embeddings",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&StoryEmbedding{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("story_embeddings")
			},
		},

		// Migration 003: groups and memberships
		{
			ID: "003_story_groups",
			Migrate: func(tx *gorm.DB) error {
				if err := tx.AutoMigrate(&StoryGroup{}); err != nil {
					return err
				}
				return tx.AutoMigrate(&StoryGroupMember{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("story_group_members", "story_groups")
			},
		},
	})

	return m.Migrate()
}
