// ./main.go
package main

import (
	"github.com/citywatch/formrunner/cmd"
)

func main() {
	cmd.Execute()
}
