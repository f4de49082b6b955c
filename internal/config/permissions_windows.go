//go:build windows

package config

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// broadPrincipals are icacls grantees that cover more than the owner.
var broadPrincipals = []string{"everyone", "authenticated users", "builtin\\users", "users"}

// checkFilePermissions returns a warning when icacls lists a broad principal
// on the config file.
func checkFilePermissions(path string) string {
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	out, err := exec.Command("icacls", path).Output()
	if err != nil {
		return ""
	}
	acl := strings.ToLower(string(out))
	for _, p := range broadPrincipals {
		if !strings.Contains(acl, p) {
			continue
		}
		return fmt.Sprintf("WARNING: %s grants access to %q; secrets in it are exposed.\n"+
			"         Fix in PowerShell with: icacls \"%s\" /inheritance:r /grant:r \"%%USERNAME%%:F\"\n\n", path, p, path)
	}
	return ""
}
