// Tool rsync-go is a wire-compatible rsync client/server implementation.
package main

import (
	"context"
	"log"
	"os"

	"github.com/rsync-ng/rsync/internal/maincmd"
	"github.com/rsync-ng/rsync/internal/rsyncos"
)

func main() {
	if _, err := maincmd.Main(context.Background(), rsyncos.NewEnv(), os.Args); err != nil {
		log.Fatal(err)
	}
}
