// Chrome native-messaging host. Registered as the target binary of a
// native-messaging manifest; Chrome launches it on demand and talks to it
// over stdin/stdout using the length-prefixed framing in package chromehost.
//
// Запуск вручную для отладки: cd backend && go run ./cmd/chromehost
package main

import (
	"log"
	"os"

	"hearth/chromehost"
)

func main() {
	statePath, err := chromehost.DefaultStatePath()
	if err != nil {
		log.Fatalf("chromehost: %v", err)
	}

	if err := chromehost.Run(os.Stdin, statePath); err != nil {
		log.Fatalf("chromehost: %v", err)
	}
}
