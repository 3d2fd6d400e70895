// issue-token prints a signed access token for local development and smoke tests.
//
// Usage: go run ./cmd/issue-token -user alice -role warehouse_staff [-ttl 8h]
package main

import (
	"flag"
	"fmt"
	"log"
	"time"

	"inventory-core/internal/auth"
	"inventory-core/internal/config"
)

func main() {
	user := flag.String("user", "", "user id recorded as the token subject")
	roleName := flag.String("role", string(auth.RoleViewer), "viewer, warehouse_staff, manager or admin")
	ttl := flag.Duration("ttl", time.Hour, "token lifetime")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.Server.JWTSecret == "" {
		log.Fatal("JWT_SECRET is required")
	}

	role, err := auth.ParseRole(*roleName)
	if err != nil {
		log.Fatalf("role: %v", err)
	}
	token, err := auth.NewIssuer(cfg.Server.JWTSecret, *ttl).Issue(*user, role)
	if err != nil {
		log.Fatalf("issue: %v", err)
	}
	fmt.Println(token)
}
