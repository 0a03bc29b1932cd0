// Command photogate はBaaSの前段に置く認証ゲートウェイ兼写真プロキシを起動する。
package main

import (
	"fmt"
	"os"

	"github.com/hitoshi/photogate/internal/app"
)

func main() {
	if err := app.Run(os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
