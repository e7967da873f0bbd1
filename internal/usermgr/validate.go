package usermgr

import (
	"fmt"
	"strings"
)

// Policy is the closed set of allowlists the daemon validates every request
// against. Nothing outside these bounds ever reaches a system command.
type Policy struct {
	UsernamePrefix string
	Group          string
	UIDMin         uint32
	UIDMax         uint32
	Shells         []string
	GecosPrefix    string
	PathPrefixes   []string
	Modes          []string
}

// DefaultPolicy matches the allowlists the daemon ships with.
func DefaultPolicy() Policy {
	return Policy{
		UsernamePrefix: "sessiond_",
		Group:          "sessiond",
		UIDMin:         2000,
		UIDMax:         60000,
		Shells: []string{
			"/bin/bash", "/bin/sh", "/usr/bin/bash", "/usr/bin/sh",
			"/bin/false", "/usr/sbin/nologin",
		},
		GecosPrefix: "sessiond platform user ",
		PathPrefixes: []string{
			"/run/sessiond/runner-sockets/",
			"/home/sessiond_",
		},
		Modes: []string{"700", "750", "755", "770", "2770"},
	}
}

func (p Policy) validateUsername(name string) error {
	if !strings.HasPrefix(name, p.UsernamePrefix) {
		return fmt.Errorf("username must start with %q prefix", p.UsernamePrefix)
	}
	if len(name) > 32 {
		return fmt.Errorf("username too long (max 32)")
	}
	for _, c := range name {
		if !(c >= 'a' && c <= 'z') && !(c >= '0' && c <= '9') && c != '_' && c != '-' {
			return fmt.Errorf("username contains invalid characters")
		}
	}
	return nil
}

func (p Policy) validateGroup(group string) error {
	if group != p.Group {
		return fmt.Errorf("group must be %q", p.Group)
	}
	return nil
}

func (p Policy) validateUID(uid uint32) error {
	if uid < p.UIDMin || uid > p.UIDMax {
		return fmt.Errorf("uid %d out of allowed range (%d-%d)", uid, p.UIDMin, p.UIDMax)
	}
	return nil
}

func (p Policy) validateShell(shell string) error {
	for _, s := range p.Shells {
		if s == shell {
			return nil
		}
	}
	return fmt.Errorf("shell %q not in allowlist", shell)
}

func (p Policy) validatePath(path string) error {
	if strings.Contains(path, "\x00") {
		return fmt.Errorf("path contains a NUL byte")
	}
	if strings.Contains(path, "..") {
		return fmt.Errorf("path contains '..' (path traversal)")
	}
	if strings.Contains(path, "//") {
		return fmt.Errorf("path contains '//'")
	}
	if !strings.HasPrefix(path, "/") {
		return fmt.Errorf("path must be absolute")
	}
	for _, prefix := range p.PathPrefixes {
		if strings.HasPrefix(path, prefix) {
			return nil
		}
	}
	return fmt.Errorf("path %q not in allowed directories", path)
}

func (p Policy) validateGecos(gecos string) error {
	if !strings.HasPrefix(gecos, p.GecosPrefix) {
		return fmt.Errorf("gecos must start with %q", p.GecosPrefix)
	}
	if strings.ContainsAny(gecos, "\n\r:\x00") {
		return fmt.Errorf("gecos contains invalid characters")
	}
	if len(gecos) > 256 {
		return fmt.Errorf("gecos too long")
	}
	return nil
}

func (p Policy) validateMode(mode string) error {
	for _, m := range p.Modes {
		if m == mode {
			return nil
		}
	}
	return fmt.Errorf("mode %q not in allowlist", mode)
}

func (p Policy) validateOwner(owner string) (user, group string, err error) {
	parts := strings.Split(owner, ":")
	if len(parts) != 2 {
		return "", "", fmt.Errorf("owner must be in user:group format")
	}
	if err := p.validateUsername(parts[0]); err != nil {
		return "", "", err
	}
	if err := p.validateGroup(parts[1]); err != nil {
		return "", "", err
	}
	return parts[0], parts[1], nil
}
