// Command token mints a session token for local testing, signed with the
// secret the server loads from its configuration.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"pulsechat/internal/auth"
	"pulsechat/internal/config"
	"pulsechat/internal/userid"
)

func main() {
	user := flag.String("user", "", "user id to issue the token for")
	name := flag.String("name", "", "display name")
	roles := flag.String("roles", "", "comma separated roles")
	ttl := flag.Duration("ttl", 0, "token lifetime, defaults to the configured one")
	flag.Parse()

	if err := run(*user, *name, *roles, *ttl); err != nil {
		slog.Error("Failed to issue token", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(user, name, roles string, ttl time.Duration) error {
	id, err := userid.Normalize(user)
	if err != nil {
		return err
	}
	if id == userid.Zero {
		return fmt.Errorf("-user is required")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if ttl > 0 {
		cfg.Auth.TokenTTL = ttl
	}

	var roleList []string
	if roles != "" {
		roleList = strings.Split(roles, ",")
	}

	token, expires, err := auth.NewResolver(cfg.Auth, nil).Issue(id, name, roleList...)
	if err != nil {
		return err
	}
	fmt.Println(token)
	fmt.Fprintf(os.Stderr, "expires %s\n", expires.Format(time.RFC3339))
	return nil
}
