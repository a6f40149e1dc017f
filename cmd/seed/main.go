// seed registers an OAuth client for local testing of the oauth-authorize flow.
// Idempotent: re-running with the same -id replaces the client's name, secret and redirect URIs.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"log"
	"strings"
	"time"

	"identity-pairing/backend/internal/config"
	"identity-pairing/backend/internal/db"
	oauthdomain "identity-pairing/backend/internal/oauthclient/domain"
	oauthrepo "identity-pairing/backend/internal/oauthclient/repository"
	"identity-pairing/backend/internal/security"
)

const (
	devClientID    = "dev-client"
	devClientName  = "Dev Client"
	devRedirectURI = "http://localhost:3000/callback"
)

func main() {
	id := flag.String("id", devClientID, "OAuth client id")
	name := flag.String("name", devClientName, "OAuth client display name")
	secret := flag.String("secret", "", "client secret; generated when empty")
	redirects := flag.String("redirect", devRedirectURI, "comma-separated redirect URIs")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL is not set")
	}

	conn, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	defer conn.Close()

	if *secret == "" {
		b := make([]byte, 24)
		if _, err := rand.Read(b); err != nil {
			log.Fatalf("generate secret: %v", err)
		}
		*secret = hex.EncodeToString(b)
	}
	hash, err := security.NewHasher(cfg.BcryptCost).HashClientSecret(*secret)
	if err != nil {
		log.Fatalf("hash secret: %v", err)
	}

	var uris []string
	for _, u := range strings.Split(*redirects, ",") {
		if u = strings.TrimSpace(u); u != "" {
			uris = append(uris, u)
		}
	}

	client := &oauthdomain.Client{
		ID:           *id,
		Name:         *name,
		SecretHash:   hash,
		RedirectURIs: uris,
		CreatedAt:    time.Now().UTC(),
	}
	if err := oauthrepo.NewPostgresRepository(conn).Save(context.Background(), client); err != nil {
		log.Fatalf("save client: %v", err)
	}
	log.Printf("seeded OAuth client %q with redirect URIs %v", client.ID, client.RedirectURIs)
	log.Printf("client secret: %s", *secret)
}
