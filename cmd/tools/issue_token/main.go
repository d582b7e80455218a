package main

import (
	"flag"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/david/opportunity-finder/internal/auth"
	"github.com/david/opportunity-finder/internal/config"
)

// Mints a bearer token for the authenticated AI tier, for local testing.
func main() {
	user := flag.String("user", "", "User ID (random when empty)")
	role := flag.String("role", "", "Optional role claim")
	ttl := flag.Duration("ttl", 24*time.Hour, "Token lifetime")
	flag.Parse()

	cfg, err := config.Load(".")
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}
	if cfg.JWTSecret == "" {
		logrus.Fatal("JWT_SECRET is not set")
	}

	id := uuid.New()
	if *user != "" {
		if id, err = uuid.Parse(*user); err != nil {
			logrus.Fatalf("Invalid user ID: %v", err)
		}
	}

	token, err := auth.IssueToken([]byte(cfg.JWTSecret), id, *role, *ttl)
	if err != nil {
		logrus.Fatalf("Failed to sign token: %v", err)
	}
	fmt.Println(token)
}
