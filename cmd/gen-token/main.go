// Command gen-token prints an HS256 token accepted by a server running in
// local auth mode.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v4"
	log "github.com/sirupsen/logrus"
)

func main() {
	sub := flag.String("sub", "", "user id placed in the sub claim")
	aud := flag.String("aud", os.Getenv("AUTH0_AUDIENCE"), "audience claim")
	iss := flag.String("iss", "", "issuer claim")
	ttl := flag.Duration("ttl", time.Hour, "token lifetime")
	flag.Parse()

	secret := os.Getenv("LOCAL_AUTH_SHARED_SECRET")
	if secret == "" {
		log.Fatal("missing LOCAL_AUTH_SHARED_SECRET")
	}
	if *sub == "" {
		log.Fatal("-sub is required")
	}
	token, err := sign([]byte(secret), *sub, *aud, *iss, *ttl, time.Now())
	if err != nil {
		log.Fatalf("sign: %v", err)
	}
	fmt.Println(token)
}

func sign(secret []byte, sub, aud, iss string, ttl time.Duration, now time.Time) (string, error) {
	claims := jwt.MapClaims{
		"sub": sub,
		"iat": now.Unix(),
		"nbf": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	if aud != "" {
		claims["aud"] = aud
	}
	if iss != "" {
		claims["iss"] = iss
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}
