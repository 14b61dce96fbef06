package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/stemsi/exstem-engine/internal/config"
	"github.com/stemsi/exstem-engine/internal/service"
	"golang.org/x/term"
)

func main() {
	var (
		kind         string
		subject      string
		role         string
		ttl          time.Duration
		promptSecret bool
	)
	flag.StringVar(&kind, "kind", "candidate", "Token type: candidate or proctor")
	flag.StringVar(&subject, "subject", "", "Candidate ID (candidate) or proctor name (proctor)")
	flag.StringVar(&role, "role", "", "Candidate role, matched against exam eligibility")
	flag.DurationVar(&ttl, "ttl", 0, "Token lifetime (default JWT_EXPIRY_HOURS)")
	flag.BoolVar(&promptSecret, "prompt-secret", false, "Read the signing secret from the terminal instead of JWT_SECRET")
	flag.Parse()

	cfg := config.Load()
	if ttl > 0 {
		cfg.JWTExpiry = ttl
	}

	if subject == "" {
		fmt.Print("Enter Subject: ")
		line, _ := bufio.NewReader(os.Stdin).ReadString('\n')
		subject = strings.TrimSpace(line)
	}
	if subject == "" {
		fmt.Fprintln(os.Stderr, "Error: subject is required")
		os.Exit(1)
	}

	if promptSecret {
		fmt.Fprint(os.Stderr, "Enter Signing Secret: ")
		secret, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Fprintln(os.Stderr) // Newline after secret input
		if err != nil {
			fmt.Fprintln(os.Stderr, "Error reading secret")
			os.Exit(1)
		}
		cfg.JWTSecret = string(secret)
	}

	auth := service.NewAuthService(cfg)

	var (
		token string
		err   error
	)
	switch service.TokenType(kind) {
	case service.TokenTypeCandidate:
		token, err = auth.GenerateCandidateToken(subject, role)
	case service.TokenTypeProctor:
		token, err = auth.GenerateProctorToken(subject)
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown kind %q\n", kind)
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println(token)
}
