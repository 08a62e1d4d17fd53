package main

import (
	"flag"
	"fmt"
	"os"

	"bitbucket.org/mmdatafocus/qms_backend/utils"
)

// Mints an operator bearer token for the sync API. Meant for local use
// and service-to-service setups without an identity provider.
func main() {
	id := flag.Int("id", 1, "actor id")
	name := flag.String("name", "operator", "actor name")
	role := flag.String("role", "operator", "actor role")
	flag.Parse()

	token, err := utils.JwtGenerate(*id, *name, *role)
	if err != nil {
		fmt.Fprintln(os.Stderr, "generate token:", err)
		os.Exit(1)
	}
	fmt.Println(token)
}
