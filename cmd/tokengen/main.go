// Package main provides a CLI tool for minting candidate session tokens and
// staff identity headers for local testing of the Gatehouse API.
// Tokens are signed with whatever key is supplied; never point it at production keys.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"gatehouse/internal/session"
	"gatehouse/pkg/domain"
	"gatehouse/pkg/platform/middleware/request"
)

const (
	// devSigningKey matches the docker-compose SESSION_SIGNING_KEY.
	devSigningKey = "dev-session-key-change-me-0123456789abcdef"

	defaultIssuer   = "gatehouse"
	defaultAudience = "gatehouse-candidate"
	defaultTTL      = 2 * time.Hour
)

type tokenOutput struct {
	Token     string            `json:"token"`
	Type      string            `json:"type"`
	ExpiresAt string            `json:"expires_at"`
	Claims    map[string]any    `json:"claims,omitempty"`
	Usage     map[string]string `json:"usage"`
}

func main() {
	sessionCmd := flag.NewFlagSet("session", flag.ExitOnError)
	staffCmd := flag.NewFlagSet("staff", flag.ExitOnError)

	candidateID := sessionCmd.String("candidate-id", "", "Candidate ID (UUID). Generated if empty.")
	grantID := sessionCmd.String("grant-id", "", "Grant ID (UUID). Generated if empty.")
	stage := sessionCmd.String("stage", "stage1", "Assessment stage: stage1, stage2 or stage3")
	ttl := sessionCmd.Duration("ttl", defaultTTL, "Token time-to-live")
	key := sessionCmd.String("key", "", "Signing key. Defaults to SESSION_SIGNING_KEY, then the dev key.")
	sessionJSON := sessionCmd.Bool("json", false, "Output as JSON")

	actor := staffCmd.String("actor", "recruiter-1", "Staff actor ID")
	role := staffCmd.String("role", "recruiter", "Staff role")

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "session":
		sessionCmd.Parse(os.Args[2:]) //nolint:errcheck // ExitOnError
		generateSession(*candidateID, *grantID, *stage, *key, *ttl, *sessionJSON)
	case "staff":
		staffCmd.Parse(os.Args[2:]) //nolint:errcheck // ExitOnError
		showStaffHeaders(*actor, *role)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`tokengen - Generate test credentials for the Gatehouse API

Usage:
  tokengen <command> [flags]

Commands:
  session   Mint a candidate session token (JWT) for GET /me
  staff     Print the identity headers staff routes expect

Examples:
  tokengen session -stage stage2
  tokengen session -candidate-id "550e8400-e29b-41d4-a716-446655440000" -json
  tokengen staff -actor lead-1 -role reviewer`)
}

func generateSession(candidateID, grantID, stageName, key string, ttl time.Duration, jsonOutput bool) {
	if key == "" {
		key = os.Getenv("SESSION_SIGNING_KEY")
	}
	if key == "" {
		key = devSigningKey
	}
	stage, err := domain.ParseAssessmentStage(stageName)
	if err != nil {
		fail(err)
	}
	cid := domain.NewCandidateID()
	if candidateID != "" {
		if cid, err = domain.ParseCandidateID(candidateID); err != nil {
			fail(err)
		}
	}
	gid := domain.NewGrantID()
	if grantID != "" {
		if gid, err = domain.ParseGrantID(grantID); err != nil {
			fail(err)
		}
	}

	svc, err := session.New(key, defaultIssuer, defaultAudience, ttl)
	if err != nil {
		fail(err)
	}
	token, err := svc.Issue(context.Background(), cid, gid, stage)
	if err != nil {
		fail(err)
	}

	if jsonOutput {
		printJSON(tokenOutput{
			Token:     token.Value,
			Type:      "candidate_session",
			ExpiresAt: token.ExpiresAt.Format(time.RFC3339),
			Claims: map[string]any{
				"sub":   cid.String(),
				"gid":   gid.String(),
				"stage": stage.String(),
			},
			Usage: map[string]string{
				"header": "Authorization: Bearer <token>",
			},
		})
		return
	}
	fmt.Println("Candidate Session (JWT)")
	fmt.Println("=======================")
	fmt.Printf("Candidate ID: %s\n", cid)
	fmt.Printf("Grant ID:     %s\n", gid)
	fmt.Printf("Stage:        %s\n", stage)
	fmt.Printf("Expires At:   %s\n", token.ExpiresAt.Format(time.RFC3339))
	fmt.Println()
	fmt.Println("Token:")
	fmt.Println(token.Value)
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  curl -H \"Authorization: Bearer <token>\" http://localhost:8080/me")
}

func showStaffHeaders(actor, role string) {
	fmt.Printf("%s: %s\n", request.HeaderActorID, actor)
	fmt.Printf("%s: %s\n", request.HeaderActorRole, role)
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Printf("  curl -H \"%s: %s\" -H \"%s: %s\" http://localhost:8080/api/candidates\n",
		request.HeaderActorID, actor, request.HeaderActorRole, role)
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fail(err)
	}
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
