// Command postreader reads forum threads aloud.
package main

import (
	"os"

	"github.com/JakeFAU/postreader/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
