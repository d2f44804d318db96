// Command leapserve serves tabular datasets as REST endpoints.
package main

import "github.com/leapstack-labs/leapserve/internal/cli"

func main() {
	cli.Execute()
}
