package connector

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/consultra/poolman/internal/errs"
)

// StaticProvider returns the same ConnectParams for every target.
// Useful for tests and single-database deployments.
type StaticProvider struct {
	Params ConnectParams
}

func (p *StaticProvider) Resolve(_ context.Context, _ string) (ConnectParams, error) {
	return p.Params, nil
}

// EnvProvider resolves connect parameters from environment variables,
// namespaced by target: <PREFIX>_<TARGET>_HOST, _PORT, _USER, _PASSWORD,
// _DATABASE, _SSLMODE. Targets are upper-cased in variable names.
type EnvProvider struct {
	// Prefix defaults to "POOLMAN" when empty.
	Prefix string
}

func (p *EnvProvider) Resolve(_ context.Context, target string) (ConnectParams, error) {
	prefix := p.Prefix
	if prefix == "" {
		prefix = "POOLMAN"
	}

	get := func(field string) string {
		return os.Getenv(fmt.Sprintf("%s_%s_%s", prefix, upperSnake(target), field))
	}

	host := get("HOST")
	if host == "" {
		return ConnectParams{}, errs.New(errs.ErrKindInvalidConfig,
			fmt.Sprintf("no credentials in environment for target %q", target))
	}

	port := 0
	if raw := get("PORT"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return ConnectParams{}, errs.Wrap(errs.ErrKindInvalidConfig,
				fmt.Sprintf("bad port for target %q", target), err)
		}
		port = n
	}

	return ConnectParams{
		Host:     host,
		Port:     port,
		User:     get("USER"),
		Password: get("PASSWORD"),
		Database: get("DATABASE"),
		SSLMode:  get("SSLMODE"),
	}, nil
}

func upperSnake(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z':
			out = append(out, r-'a'+'A')
		case r == '-' || r == '.':
			out = append(out, '_')
		default:
			out = append(out, r)
		}
	}
	return string(out)
}
