package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/Chukowski/pictureme-business-sub001/internal/config"
	"github.com/Chukowski/pictureme-business-sub001/internal/credential"
	"github.com/Chukowski/pictureme-business-sub001/internal/database"
	"github.com/Chukowski/pictureme-business-sub001/internal/profile"
)

// Account is what a login stores locally.
type Account struct {
	Token   string
	UserID  string
	Email   string
	Balance int64
}

// Login stores the session token and creates both user records. A running
// daemon picks the new token up through its file watcher.
func Login(ctx context.Context, cfg *config.Config, acct Account) error {
	acct.Token = strings.TrimSpace(acct.Token)
	if acct.Token == "" {
		return credential.ErrNoToken
	}
	if acct.UserID == "" {
		return fmt.Errorf("user id is required")
	}

	db, err := database.NewDB(cfg.DatabasePath())
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	if err := db.SaveUser(ctx, &database.User{
		ID:              acct.UserID,
		Email:           acct.Email,
		TokensRemaining: acct.Balance,
	}); err != nil {
		return err
	}

	rec := map[string]any{
		"id":               acct.UserID,
		"tokens_remaining": acct.Balance,
	}
	if acct.Email != "" {
		rec["email"] = acct.Email
	}
	if err := profile.New(cfg.ProfilePath()).Save(rec); err != nil {
		return err
	}

	creds, err := credential.NewFile(cfg.TokenPath())
	if err != nil {
		return err
	}
	return creds.Set(acct.Token)
}

// Logout removes the token first so a running daemon closes its stream
// before the records disappear.
func Logout(ctx context.Context, cfg *config.Config) error {
	creds, err := credential.NewFile(cfg.TokenPath())
	if err != nil {
		return err
	}
	if err := creds.Clear(); err != nil {
		return err
	}

	if err := profile.New(cfg.ProfilePath()).Remove(); err != nil {
		return err
	}

	db, err := database.NewDB(cfg.DatabasePath())
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	return db.ClearUsers(ctx)
}
