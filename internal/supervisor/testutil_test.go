package supervisor

import (
	"fmt"
	"os"
)

func fmtSscan(s string, v *int) (int, error) { return fmt.Sscan(s, v) }

func readFile(path string) (string, error) {
	b, err := os.ReadFile(path)
	return string(b), err
}
