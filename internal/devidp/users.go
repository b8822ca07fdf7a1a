package devidp

import (
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/text/unicode/norm"
)

// User is a login account and the profile claims put into its tokens.
type User struct {
	Username     string
	PasswordHash string
	Name         string
	Email        string
}

// Users maps usernames to accounts.
type Users map[string]User

// dummyHash is compared against when the username is unknown so a
// failed lookup costs the same as a wrong password.
var dummyHash = sync.OnceValue(func() []byte {
	h, err := bcrypt.GenerateFromPassword([]byte("devidp-unknown-user"), bcrypt.DefaultCost)
	if err != nil {
		panic("bcrypt: " + err.Error())
	}

	return h
})

// ParseUsers parses comma-separated "username:bcrypt_hash[:name[:email]]"
// entries. bcrypt hashes never contain ':'.
func ParseUsers(s string) (Users, error) {
	users := make(Users)

	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		parts := strings.SplitN(entry, ":", 4)
		if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("invalid user entry %q: want username:bcrypt_hash[:name[:email]]", parts[0])
		}

		if _, err := bcrypt.Cost([]byte(parts[1])); err != nil {
			return nil, fmt.Errorf("user %s: password is not a bcrypt hash: %w", parts[0], err)
		}

		u := User{Username: parts[0], PasswordHash: parts[1]}
		if len(parts) > 2 {
			u.Name = parts[2]
		}

		if len(parts) > 3 {
			u.Email = parts[3]
		}

		users[u.Username] = u
	}

	return users, nil
}

// normalizePassword maps equivalent Unicode spellings of a password to
// the same bytes before hashing.
func normalizePassword(password string) []byte {
	return []byte(norm.NFKC.String(password))
}

// Authenticate checks username and password.
func (u Users) Authenticate(username, password string) (User, bool) {
	user, ok := u[username]
	if !ok {
		_ = bcrypt.CompareHashAndPassword(dummyHash(), normalizePassword(password))
		return User{}, false
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), normalizePassword(password)); err != nil {
		return User{}, false
	}

	return user, true
}

// HashPassword returns a bcrypt hash suitable for ParseUsers.
func HashPassword(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword(normalizePassword(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing password: %w", err)
	}

	return string(h), nil
}
