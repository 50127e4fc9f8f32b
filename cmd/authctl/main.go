// Command authctl is an operator CLI for authd.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	u "github.com/gofrs/uuid/v5"

	"github.com/and161185/goph-auth/internal/errs"
	grpcserver "github.com/and161185/goph-auth/internal/server/grpc"
	"github.com/and161185/goph-auth/internal/service"
	"github.com/and161185/goph-auth/pkg/tokenverify"
)

// ---- token store ----

type tokenFile struct {
	SessionToken string    `json:"session_token"`
	JTI          string    `json:"jti"`
	UID          int64     `json:"uid"`
	ExpiresAt    time.Time `json:"expires_at"`
}

func cfgDir() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return filepath.Join(v, "gophauth")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "gophauth")
}

func tokenPath() string { return filepath.Join(cfgDir(), "session.json") }

func saveToken(tf tokenFile) error {
	if err := os.MkdirAll(cfgDir(), 0o700); err != nil {
		return err
	}
	f, err := os.OpenFile(tokenPath(), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(tf)
}

func loadToken() (tokenFile, error) {
	var tf tokenFile
	b, err := os.ReadFile(tokenPath())
	if err != nil {
		return tf, err
	}
	if err := json.Unmarshal(b, &tf); err != nil {
		return tf, err
	}
	if tf.SessionToken == "" || time.Now().After(tf.ExpiresAt) {
		return tf, errors.New("no valid session (login required)")
	}
	return tf, nil
}

func dropToken() error {
	err := os.Remove(tokenPath())
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// ---- utils ----

func readAll(p string) ([]byte, error) {
	if p == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(p)
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func unixString(sec int64) string {
	if sec <= 0 {
		return ""
	}
	return time.Unix(sec, 0).UTC().Format(time.RFC3339)
}

// sessionToken picks the explicit token, then stdin for "-", then the
// stored session.
func sessionToken(explicit string) (string, error) {
	switch explicit {
	case "":
		tf, err := loadToken()
		if err != nil {
			return "", err
		}
		return tf.SessionToken, nil
	case "-":
		b, err := readAll("-")
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(b)), nil
	}
	return explicit, nil
}

func usage() {
	fmt.Fprintf(os.Stderr, `authctl
Usage:
  authctl -addr HOST:PORT <cmd> [args]

Commands:
  version
  login      -u <username> -p <password>           (saves session)
  whoami                                           (validates saved session)
  verify     [-token <t|->]
  verify-offline -key <pem|path> [-alg RS256] [-token <t|->]
  logout     [-token <t|->]
  users
  useradd    -u <username> -p <password>
  userdel    -u <username> | -uid <uid>
  issue      -uid <uid>
  token      -jti <uuid>
  pubkey
  rotate-key
  status
`)
	os.Exit(2)
}

// ---- main ----

var (
	version   = "dev"
	buildDate = "unknown"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:16200", "authd addr")
	timeout := flag.Duration("timeout", 30*time.Second, "overall timeout")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
	}
	cmd, args := flag.Arg(0), flag.Args()[1:]

	// offline commands never dial
	switch cmd {
	case "version":
		fmt.Printf("authctl %s (%s)\n", version, buildDate)
		return
	case "verify-offline":
		if err := cmdVerifyOffline(args); err != nil {
			fail(err)
		}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	cc, err := grpcserver.Dial(*addr)
	if err != nil {
		fail(err)
	}
	defer cc.Close()
	cli := grpcserver.NewClient(cc)

	switch cmd {
	case "login":
		fs := flag.NewFlagSet("login", flag.ExitOnError)
		name := fs.String("u", "", "username")
		pw := fs.String("p", "", "password")
		_ = fs.Parse(args)
		if *name == "" || *pw == "" {
			fmt.Fprintln(os.Stderr, "need -u and -p")
			os.Exit(1)
		}
		it, err := cli.Login(ctx, *name, *pw, "")
		if err != nil {
			fail(err)
		}
		if err := saveToken(tokenFile{
			SessionToken: it.Token,
			JTI:          it.JTI.String(),
			UID:          it.UID,
			ExpiresAt:    time.Unix(it.ExpiresAt, 0),
		}); err != nil {
			fail(err)
		}
		fmt.Printf("ok uid=%d expires=%s\n", it.UID, unixString(it.ExpiresAt))

	case "whoami", "verify":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		tok := fs.String("token", "", "session token ('-'=stdin, empty=saved)")
		_ = fs.Parse(args)
		t, err := sessionToken(*tok)
		if err != nil {
			fail(err)
		}
		sess, err := cli.ValidateSession(ctx, t)
		if err != nil {
			fail(err)
		}
		if !sess.Valid {
			fmt.Fprintf(os.Stderr, "invalid: %s\n", sess.Reason)
			os.Exit(1)
		}
		printJSON(map[string]any{
			"uid":        sess.UID,
			"jti":        sess.JTI.String(),
			"issued_at":  unixString(sess.IssuedAt),
			"expires_at": unixString(sess.ExpiresAt),
		})

	case "logout":
		fs := flag.NewFlagSet("logout", flag.ExitOnError)
		tok := fs.String("token", "", "session token ('-'=stdin, empty=saved)")
		_ = fs.Parse(args)
		t, err := sessionToken(*tok)
		if err != nil {
			fail(err)
		}
		if err := cli.Logout(ctx, t); err != nil {
			fail(err)
		}
		if *tok == "" {
			_ = dropToken()
		}
		fmt.Println("ok")

	case "users":
		us, err := cli.ListUsers(ctx)
		if err != nil {
			fail(err)
		}
		type row struct {
			UID    int64  `json:"uid"`
			Name   string `json:"name"`
			Tokens int    `json:"live_tokens"`
		}
		rows := []row{}
		for _, x := range us {
			rows = append(rows, row{UID: x.UID, Name: x.Name, Tokens: len(x.TokenIDs)})
		}
		printJSON(rows)

	case "useradd":
		fs := flag.NewFlagSet("useradd", flag.ExitOnError)
		name := fs.String("u", "", "username")
		pw := fs.String("p", "", "password")
		_ = fs.Parse(args)
		if *name == "" || *pw == "" {
			fmt.Fprintln(os.Stderr, "need -u and -p")
			os.Exit(1)
		}
		uid, err := cli.AddUser(ctx, *name, *pw)
		if err != nil {
			fail(err)
		}
		fmt.Println(uid)

	case "userdel":
		fs := flag.NewFlagSet("userdel", flag.ExitOnError)
		name := fs.String("u", "", "username")
		uid := fs.Int64("uid", 0, "uid")
		_ = fs.Parse(args)
		if (*name == "") == (*uid == 0) {
			fmt.Fprintln(os.Stderr, "need exactly one of -u or -uid")
			os.Exit(1)
		}
		got, err := cli.DeleteUser(ctx, service.UserRef{Name: *name, UID: *uid})
		if err != nil {
			fail(err)
		}
		fmt.Println(got)

	case "issue":
		fs := flag.NewFlagSet("issue", flag.ExitOnError)
		uid := fs.Int64("uid", 0, "uid")
		_ = fs.Parse(args)
		if *uid == 0 {
			fmt.Fprintln(os.Stderr, "need -uid")
			os.Exit(1)
		}
		it, err := cli.IssueToken(ctx, *uid)
		if err != nil {
			fail(err)
		}
		printJSON(map[string]any{
			"session_token": it.Token,
			"jti":           it.JTI.String(),
			"expires_at":    unixString(it.ExpiresAt),
		})

	case "token":
		fs := flag.NewFlagSet("token", flag.ExitOnError)
		id := fs.String("jti", "", "token id (uuid)")
		_ = fs.Parse(args)
		jti, err := u.FromString(*id)
		if err != nil {
			fmt.Fprintln(os.Stderr, "need -jti <uuid>")
			os.Exit(1)
		}
		t, err := cli.GetTokenInfo(ctx, jti)
		if err != nil {
			fail(err)
		}
		revokedAt := ""
		if t.RevokedAt != nil {
			revokedAt = unixString(*t.RevokedAt)
		}
		printJSON(map[string]any{
			"jti":        t.JTI.String(),
			"uid":        t.UID,
			"created_at": unixString(t.CreatedAt),
			"expires_at": unixString(t.ExpiresAt),
			"revoked":    t.Revoked,
			"revoked_at": revokedAt,
		})

	case "pubkey":
		pem, alg, err := cli.PublicKey(ctx)
		if err != nil {
			fail(err)
		}
		fmt.Fprintf(os.Stderr, "algorithm: %s\n", alg)
		fmt.Print(pem)

	case "rotate-key":
		id, pub, err := cli.RotateKey(ctx)
		if err != nil {
			fail(err)
		}
		fmt.Fprintf(os.Stderr, "active key id: %d (existing sessions are now invalid)\n", id)
		fmt.Print(pub)

	case "status":
		v, err := cli.IsAlive(ctx)
		if err != nil {
			fail(err)
		}
		pid, err := cli.PID(ctx)
		if err != nil {
			fail(err)
		}
		printJSON(map[string]any{"alive": true, "version": v, "pid": pid})

	default:
		usage()
	}
}

func cmdVerifyOffline(args []string) error {
	fs := flag.NewFlagSet("verify-offline", flag.ExitOnError)
	key := fs.String("key", "", "public key PEM or path")
	alg := fs.String("alg", tokenverify.DefaultAlgorithm, "signing algorithm")
	tok := fs.String("token", "", "session token ('-'=stdin, empty=saved)")
	_ = fs.Parse(args)
	if *key == "" {
		return errors.New("need -key")
	}
	t, err := sessionToken(*tok)
	if err != nil {
		return err
	}
	res := tokenverify.VerifyWithKey(t, *key, *alg)
	if !res.Valid {
		return fmt.Errorf("invalid (%s): %w", res.Reason, res.Err)
	}
	printJSON(map[string]any{
		"uid":        res.Claims.UID,
		"jti":        res.Claims.ID,
		"expires_at": res.Claims.ExpiresAt.Time.UTC().Format(time.RFC3339),
		"note":       "signature and expiry only; revocation needs authd",
	})
	return nil
}

// ---- helpers ----

// exitCode is 3 for credential and session problems, 4 when authd is
// unreachable, 1 otherwise.
func exitCode(err error) int {
	switch {
	case errors.Is(err, errs.ErrUnauthorized), errors.Is(err, errs.ErrTokenInvalid),
		errors.Is(err, errs.ErrTokenExpired), errors.Is(err, errs.ErrTokenRevoked):
		return 3
	case errors.Is(err, errs.ErrUpstreamUnavailable):
		return 4
	}
	return 1
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, "error:", err)
	os.Exit(exitCode(err))
}
