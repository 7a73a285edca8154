// Command portal-sandbox drives the portal core against in-memory fixtures:
// it signs a user in through the in-memory identity provider, waits for the
// client profile and prints the derived state.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"runtime/debug"
	"time"

	"github.com/common-nighthawk/go-figure"
	"github.com/jrsteele09/go-portal-auth/authview"
	"github.com/jrsteele09/go-portal-auth/availability"
	"github.com/jrsteele09/go-portal-auth/identity/memidp"
	"github.com/jrsteele09/go-portal-auth/internal/config"
	"github.com/jrsteele09/go-portal-auth/internal/logging"
	"github.com/jrsteele09/go-portal-auth/portal"
	"github.com/jrsteele09/go-portal-auth/records/memstore"
	"github.com/jrsteele09/go-portal-auth/token"
	"github.com/jrsteele09/go-portal-auth/users"
	fakeuserrepo "github.com/jrsteele09/go-portal-auth/users/repofake"
	"github.com/rs/zerolog"
)

const appName = "portal sandbox"

type flags struct {
	configFile string
	fixtures   string
	subjectID  string
	email      string
	password   string
	role       string
	signing    string
	timeout    time.Duration
}

func main() {
	var f flags
	flag.StringVar(&f.configFile, "config", "", "config file (optional)")
	flag.StringVar(&f.fixtures, "fixtures", "", "YAML record fixtures: collection -> rows")
	flag.StringVar(&f.subjectID, "subject", "client-1", "subject id of the sandbox user")
	flag.StringVar(&f.email, "email", "client@example.com", "sandbox user email")
	flag.StringVar(&f.password, "password", "Passw0rd!", "sandbox user password")
	flag.StringVar(&f.role, "role", "client", "sandbox user role")
	flag.StringVar(&f.signing, "signing", token.AlgorithmHS256, "session token signing algorithm: HS256 or RS256")
	flag.DurationVar(&f.timeout, "timeout", 10*time.Second, "overall run timeout")
	flag.Parse()

	if err := run(f); err != nil {
		fmt.Fprintf(os.Stderr, "Error running %s: %s\n", appName, err)
		os.Exit(1)
	}
}

func run(f flags) (returnError error) {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "Recovered from panic: %v\n", r)
			debug.PrintStack()
			returnError = errors.New("panic recovered")
		}
	}()

	cfg, err := config.Load(f.configFile)
	if err != nil {
		return err
	}
	logger := logging.New(cfg, os.Stderr)
	displayAppname(appName)

	ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
	defer cancel()

	store := memstore.New()
	if f.fixtures != "" {
		file, err := os.Open(f.fixtures)
		if err != nil {
			return fmt.Errorf("open fixtures: %w", err)
		}
		err = store.LoadYAML(file)
		_ = file.Close()
		if err != nil {
			return err
		}
	}

	provider, err := sandboxProvider(f, logger)
	if err != nil {
		return err
	}

	p, err := portal.New(ctx, cfg, store, portal.WithIdentityProvider(provider), portal.WithLogger(logger))
	if err != nil {
		return err
	}
	defer p.Close()

	if err := p.Start(ctx); err != nil {
		return fmt.Errorf("start auth: %w", err)
	}

	view, err := p.MountView(ctx)
	if err != nil {
		return err
	}
	defer view.Close()

	settled := make(chan authview.ViewState, 1)
	unsubscribe := view.Subscribe(func(s authview.ViewState) {
		fmt.Printf("auth=%s role=%s profile=%q loading=%t\n", s.AuthState, s.Role, s.ProfileStatus, s.IsLoading)
		if !s.IsLoading && s.Session != nil {
			select {
			case settled <- s:
			default:
			}
		}
	})
	defer unsubscribe()

	if err := view.SignIn(ctx, f.email, f.password); err != nil {
		return fmt.Errorf("sign in: %w", err)
	}

	var state authview.ViewState
	select {
	case state = <-settled:
	case <-ctx.Done():
		return fmt.Errorf("waiting for profile: %w", ctx.Err())
	}

	if state.Profile != nil {
		checker, err := p.NewAvailabilityChecker()
		if err != nil {
			return err
		}
		res := checker.Check(ctx, availability.InputFromProfile(state.Profile))
		fmt.Printf("clinicians available: %t\n", res.HasAvailableProviders)
	}

	loader, err := p.NewAssignmentLoader(state.Session.SubjectID)
	if err != nil {
		return err
	}
	defer loader.Close()
	if err := loader.Fetch(ctx, false); err != nil {
		fmt.Println(loader.State().Message)
	}
	for _, a := range loader.State().Assignments {
		fmt.Printf("document %s: %s (%s)\n", a.ID, a.DocumentName, a.Status)
	}

	return view.SignOut(ctx)
}

// sandboxProvider builds an in-memory identity provider holding one user.
func sandboxProvider(f flags, logger zerolog.Logger) (*memidp.Provider, error) {
	repo := fakeuserrepo.NewFakeUserRepo()
	hash, err := users.HashPassword(f.password)
	if err != nil {
		return nil, err
	}
	err = repo.Upsert(&users.User{
		ID:           f.subjectID,
		Email:        f.email,
		PasswordHash: hash,
		Role:         users.ParseRole(f.role),
		Verified:     true,
		DateJoined:   time.Now(),
	})
	if err != nil {
		return nil, err
	}

	secret, err := token.NewOpaqueToken()
	if err != nil {
		return nil, err
	}
	signer, err := token.NewSigner(f.signing, []byte(secret), "portal-sandbox")
	if err != nil {
		return nil, err
	}
	issuer, err := token.NewIssuer(signer, appName, time.Hour)
	if err != nil {
		return nil, err
	}
	provider, err := memidp.New(repo, issuer, memidp.WithLogger(logging.Component(logger, "memidp")))
	if err != nil {
		return nil, err
	}
	jwks, err := provider.JWKS()
	if err != nil {
		return nil, err
	}
	for _, key := range jwks.Keys {
		logger.Info().Str("kid", key.Kid).Str("alg", key.Alg).Msg("sandbox signing key")
	}
	return provider, nil
}

func displayAppname(appname string) {
	myFigure := figure.NewFigure(appname, "cybermedium", true)
	myFigure.Print()
	fmt.Println()
}
