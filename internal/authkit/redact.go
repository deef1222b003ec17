package authkit

import "strings"

// redactEmail masks the local part of an email for logging, keeping the domain.
func redactEmail(email string) string {
	if strings.Count(email, "@") != 1 {
		return "***"
	}
	separator := strings.IndexByte(email, '@')
	local, domain := email[:separator], email[separator+1:]
	localRunes := []rune(local)
	if len(localRunes) > 2 {
		local = string(localRunes[:2]) + "***"
	} else {
		local = "***"
	}
	return local + "@" + domain
}
