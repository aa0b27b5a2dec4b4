// devtoken prints a signed API token for local testing
package main

import (
	"flag"
	"fmt"
	"log"
	"time"

	"roadfix/internal/config"
	"roadfix/internal/domain"
	"roadfix/internal/server"

	"github.com/joho/godotenv"
)

func main() {
	user := flag.String("user", "demo-customer", "user id to put in the token")
	role := flag.String("role", domain.RoleCustomer, "customer, mechanic, workshop_owner or admin")
	ttl := flag.Duration("ttl", 0, "token lifetime (defaults to jwt.expirationHours)")
	configPath := flag.String("config", "config.json", "path to the config file")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	switch *role {
	case domain.RoleCustomer, domain.RoleMechanic, domain.RoleWorkshopOwner, domain.RoleAdmin:
	default:
		log.Fatalf("unknown role %q", *role)
	}

	lifetime := *ttl
	if lifetime <= 0 {
		lifetime = time.Duration(cfg.JWT.ExpirationHours) * time.Hour
	}

	token, err := server.IssueToken(cfg.JWT.Secret, cfg.JWT.Issuer, *user, *role, lifetime)
	if err != nil {
		log.Fatalf("failed to sign token: %v", err)
	}
	fmt.Println(token)
}
