package usermgr

import (
	"bufio"
	"os"
	"strconv"
	"strings"
)

// SanitizeUsername maps an arbitrary platform user id to a valid Linux
// username body (without the daemon's prefix): lowercase, starts with a
// letter or underscore, at most 32 characters.
func SanitizeUsername(userID string) string {
	var b strings.Builder
	b.Grow(32)

	for i, r := range userID {
		if b.Len() >= 32 {
			break
		}
		c := r
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}

		if i == 0 {
			switch {
			case c >= 'a' && c <= 'z' || c == '_':
				b.WriteRune(c)
			case c >= '0' && c <= '9':
				b.WriteByte('_')
				b.WriteRune(c)
			default:
				b.WriteByte('_')
			}
			continue
		}

		switch {
		case c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '_' || c == '-':
			b.WriteRune(c)
		default:
			b.WriteByte('_')
		}
	}

	if b.Len() == 0 {
		return "user"
	}
	out := b.String()
	if len(out) > 32 {
		out = out[:32]
	}
	return out
}

// FindNextUID scans /etc/passwd and returns one past the highest UID at or
// above uidStart (uidStart itself when there is none); free UIDs below that
// highest one are not reused.
func FindNextUID(uidStart uint32) (uint32, error) {
	f, err := os.Open("/etc/passwd")
	if err != nil {
		return 0, err
	}
	defer f.Close()

	maxUID := uidStart - 1
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		parts := strings.Split(scanner.Text(), ":")
		if len(parts) < 3 {
			continue
		}
		uid, err := strconv.ParseUint(parts[2], 10, 32)
		if err != nil {
			continue
		}
		if uint32(uid) >= uidStart && uint32(uid) > maxUID {
			maxUID = uint32(uid)
		}
	}
	if err := scanner.Err(); err != nil {
		return 0, err
	}
	return maxUID + 1, nil
}
