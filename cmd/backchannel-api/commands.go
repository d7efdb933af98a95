package main

import (
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/backchannel/internal/auth"
	"github.com/MarcoPoloResearchLab/backchannel/internal/presence"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the schema and apply pending data migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, logger, err := loadRuntime()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			db, err := openDatabase(appConfig, logger)
			if err != nil {
				return err
			}
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.Close()
		},
	}
}

func newNotesCommand() *cobra.Command {
	notesCmd := &cobra.Command{
		Use:   "notes",
		Short: "Manage lecture notes tracked for presence counts",
	}

	var lecture, note, title string
	registerCmd := &cobra.Command{
		Use:   "register",
		Short: "Register a note under a lecture, or move an existing note",
		RunE: func(cmd *cobra.Command, args []string) error {
			noteID, err := presence.NewNoteID(note)
			if err != nil {
				return err
			}
			lectureID, err := presence.NewLectureID(lecture)
			if err != nil {
				return err
			}

			appConfig, logger, err := loadRuntime()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			db, err := openDatabase(appConfig, logger)
			if err != nil {
				return err
			}
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			defer sqlDB.Close()

			store := presence.NewStore(db)
			if err := store.RegisterNote(cmd.Context(), presence.NewNote(noteID, lectureID, title, time.Now())); err != nil {
				return err
			}
			logger.Info("note registered",
				zap.String("note_id", noteID.String()),
				zap.String("lecture_id", lectureID.String()))
			return nil
		},
	}
	registerCmd.Flags().StringVar(&lecture, "lecture", "", "Lecture identifier")
	registerCmd.Flags().StringVar(&note, "note", "", "Note identifier")
	registerCmd.Flags().StringVar(&title, "title", "", "Optional note title")
	_ = registerCmd.MarkFlagRequired("lecture")
	_ = registerCmd.MarkFlagRequired("note")

	notesCmd.AddCommand(registerCmd)
	return notesCmd
}

func newSessionCommand() *cobra.Command {
	sessionCmd := &cobra.Command{
		Use:   "session",
		Short: "Session token utilities for local testing",
	}

	var userID, displayName string
	var ttl time.Duration
	mintCmd := &cobra.Command{
		Use:   "mint",
		Short: "Print a signed session token for the given user",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, _, err := loadRuntime()
			if err != nil {
				return err
			}
			issuer, err := auth.NewSessionIssuer(auth.SessionIssuerConfig{
				SigningSecret: []byte(appConfig.SessionSigningSecret),
				Issuer:        appConfig.SessionIssuer,
				TTL:           ttl,
			})
			if err != nil {
				return err
			}
			token, expiresAt, err := issuer.Issue(userID, displayName)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s=%s\n# expires %s\n", appConfig.SessionCookieName, token, expiresAt.Format(time.RFC3339))
			return nil
		},
	}
	mintCmd.Flags().StringVar(&userID, "user", "", "User identifier")
	mintCmd.Flags().StringVar(&displayName, "name", "", "Display name")
	mintCmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "Token lifetime")
	_ = mintCmd.MarkFlagRequired("user")

	sessionCmd.AddCommand(mintCmd)
	return sessionCmd
}
