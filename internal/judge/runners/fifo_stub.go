//go:build !linux

package runners

import "fmt"

func mkfifo(path string) error {
	return fmt.Errorf("named pipes are only supported on linux")
}
