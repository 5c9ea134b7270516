// README: Applies the SQL migrations under migrations/ to the configured Postgres database.
package main

import (
	"flag"
	"fmt"
	"os"

	"homematch/internal/config"
	"homematch/internal/infra"
)

func main() {
	var (
		direction = flag.String("direction", "up", "up|down")
		steps     = flag.Int("steps", 0, "number of steps (0 = all)")
		dir       = flag.String("dir", "migrations", "migrations directory")
	)
	flag.Parse()

	if *direction != "up" && *direction != "down" {
		fmt.Fprintln(os.Stderr, "invalid -direction, must be up|down")
		os.Exit(2)
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(2)
	}

	if err := infra.Migrate(cfg.DB.DSN, *dir, *direction == "down", *steps); err != nil {
		fmt.Fprintln(os.Stderr, "migration error:", err)
		os.Exit(1)
	}
	fmt.Println("migrations:", *direction, "ok")
}
