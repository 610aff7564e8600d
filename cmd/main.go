package main

import (
	"flag"
	"log"
	"strings"
	"time"

	"github.com/anuraghashagile/stangersintown/pkg/chat"
)

func main() {
	var (
		port      int
		dataDir   string
		name      string
		age       int
		gender    string
		location  string
		interests string
	)
	flag.IntVar(&port, "port", 0, "Listen port (random if not specified)")
	flag.StringVar(&dataDir, "dir", "", "Data directory (default ~/.stangersintown)")
	flag.StringVar(&name, "name", "anonymous", "Display name")
	flag.IntVar(&age, "age", 0, "Age shown to strangers")
	flag.StringVar(&gender, "gender", "", "Gender shown to strangers")
	flag.StringVar(&location, "location", "", "Location shown to strangers")
	flag.StringVar(&interests, "interests", "", "Comma-separated interest tags")
	flag.Parse()

	if port == 0 {
		// Random-ish port so several nodes can share a machine.
		port = 8000 + int(time.Now().Unix()%1000)
	}

	profile := chat.Profile{
		Username: name,
		Age:      age,
		Gender:   gender,
		Location: location,
	}
	if interests != "" {
		profile.Interests = strings.Split(interests, ",")
	}

	node, err := chat.NewNode(port, dataDir, profile)
	if err != nil {
		log.Fatalf("Failed to create node: %v", err)
	}
	defer func() {
		if err := node.Close(); err != nil {
			log.Printf("Error closing node: %v", err)
		}
	}()

	if err := node.Bootstrap(); err != nil {
		log.Fatalf("Failed to bootstrap: %v", err)
	}

	node.StartCLI()
}
