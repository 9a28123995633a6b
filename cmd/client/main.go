package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/fenggwsx/RelayChat/internal/client"
	"github.com/fenggwsx/RelayChat/internal/config"
)

// Each input line is "<event> <json payload>". Every envelope pushed by the
// server is printed as one JSON line.
func main() {
	cfg, err := config.LoadClientConfig()
	if err != nil {
		logrus.WithError(err).Fatal("load config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	session := client.NewSession(cfg)
	if err := session.Connect(ctx); err != nil {
		logrus.WithError(err).WithField("addr", cfg.ServerAddr).Fatal("connect")
	}
	defer session.Close()

	go printEvents(ctx, session, stop)

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		event, payload, err := parseLine(line)
		if err != nil {
			logrus.WithError(err).Warn("skipped input line")
			continue
		}
		if _, err := session.Emit(ctx, event, payload); err != nil {
			logrus.WithError(err).Error("send")
			return
		}
	}
}

func parseLine(line string) (string, json.RawMessage, error) {
	event, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	if rest == "" {
		rest = "{}"
	}
	if !json.Valid([]byte(rest)) {
		return "", nil, fmt.Errorf("payload for %s is not valid JSON", event)
	}
	return event, json.RawMessage(rest), nil
}

func printEvents(ctx context.Context, session *client.Session, stop context.CancelFunc) {
	enc := json.NewEncoder(os.Stdout)
	for {
		env, err := session.Next(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				logrus.WithError(err).Info("connection closed")
			}
			stop()
			return
		}
		_ = enc.Encode(env)
	}
}
