package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fenggwsx/RelayChat/internal/auth"
	"github.com/fenggwsx/RelayChat/internal/config"
	"github.com/fenggwsx/RelayChat/internal/storage"
	"github.com/fenggwsx/RelayChat/internal/storage/sqlstore"
)

const usage = `usage: chatadmin <command> [flags]

commands:
  adduser -username NAME -password PASS [-name N] [-surname S]
  token   -username NAME
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	dbCfg, jwtCfg, err := config.LoadAdminConfig()
	if err != nil {
		logrus.WithError(err).Fatal("load config")
	}
	store, err := sqlstore.Open(dbCfg, nil)
	if err != nil {
		logrus.WithError(err).Fatal("open storage")
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := store.Migrate(ctx); err != nil {
		logrus.WithError(err).Fatal("migrate")
	}

	switch os.Args[1] {
	case "adduser":
		err = addUser(ctx, store, os.Args[2:])
	case "token":
		err = issueToken(ctx, store, jwtCfg, os.Args[2:])
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		logrus.WithError(err).Fatal(os.Args[1])
	}
}

func addUser(ctx context.Context, store storage.Store, args []string) error {
	fs := flag.NewFlagSet("adduser", flag.ExitOnError)
	username := fs.String("username", "", "unique login name")
	password := fs.String("password", "", "plaintext password")
	name := fs.String("name", "", "given name")
	surname := fs.String("surname", "", "family name")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *username == "" {
		return fmt.Errorf("username is required")
	}
	if err := auth.CheckPasswordStrength(*password); err != nil {
		return err
	}
	hashed, err := auth.HashPassword(*password)
	if err != nil {
		return err
	}

	user := storage.User{
		Username: *username,
		Name:     *name,
		Surname:  *surname,
		Password: hashed,
	}
	if err := store.CreateUser(ctx, &user); err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{"user_id": user.ID, "username": user.Username}).Info("user created")
	return nil
}

func issueToken(ctx context.Context, store storage.Store, cfg config.JWTConfig, args []string) error {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	username := fs.String("username", "", "user to issue a token for")
	if err := fs.Parse(args); err != nil {
		return err
	}
	user, err := store.GetUserByUsername(ctx, *username)
	if err != nil {
		return err
	}
	token, err := auth.NewToken(cfg, user.ID, user.Username)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}
