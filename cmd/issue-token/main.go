package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/logger"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/service"
)

// issue-token signs a bearer token with the server's JWT secret for local
// development and load tests. Production tokens come from the identity service.
func main() {
	var (
		tokenType   string
		userID      int
		permissions string
		allPerms    bool
	)
	flag.StringVar(&tokenType, "type", "student", "Token type: student or admin")
	flag.IntVar(&userID, "user", 0, "Student or admin ID")
	flag.StringVar(&permissions, "perms", "", "Comma-separated admin permissions")
	flag.BoolVar(&allPerms, "all-perms", false, "Grant every admin permission")
	flag.Parse()

	cfg := config.Load()
	log := logger.Setup(cfg.LogLevel, "pretty")

	if userID <= 0 {
		log.Fatal().Msg("-user is required")
	}

	var perms []string
	switch service.TokenType(tokenType) {
	case service.TokenTypeStudent:
		if permissions != "" || allPerms {
			log.Fatal().Msg("student tokens carry no permissions")
		}
	case service.TokenTypeAdmin:
		perms = parsePermissions(permissions, allPerms)
		for _, p := range perms {
			if !known(p) {
				log.Fatal().Str("permission", p).Msg("Unknown permission")
			}
		}
	default:
		log.Fatal().Str("type", tokenType).Msg("Token type must be student or admin")
	}

	token, err := service.NewAuthService(cfg).GenerateToken(service.TokenType(tokenType), userID, perms)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to sign token")
	}

	log.Info().
		Str("type", tokenType).
		Int("user_id", userID).
		Strs("permissions", perms).
		Dur("expires_in", cfg.JWTExpiry).
		Msg("Token issued")
	fmt.Fprintln(os.Stdout, token)
}

func parsePermissions(raw string, all bool) []string {
	if all {
		out := make([]string, 0, len(model.AllPermissions))
		for _, p := range model.AllPermissions {
			out = append(out, string(p))
		}
		return out
	}
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func known(p string) bool {
	for _, k := range model.AllPermissions {
		if string(k) == p {
			return true
		}
	}
	return false
}
