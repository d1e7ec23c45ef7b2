package middleware

import (
	"context"
	"net/http"

	"golang.org/x/text/language"
)

type localeKey struct{}

// Locale resolves the request language from Accept-Language against the
// supported languages. The first supported language is the fallback.
func Locale(supported []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			lang := NegotiateLanguage(r.Header.Get("Accept-Language"), supported)
			if lang != "" {
				w.Header().Set("Content-Language", lang)
				r = r.WithContext(context.WithValue(r.Context(), localeKey{}, lang))
			}
			next.ServeHTTP(w, r)
		})
	}
}

// GetLocale returns the language chosen by Locale, or "".
func GetLocale(ctx context.Context) string {
	lang, _ := ctx.Value(localeKey{}).(string)
	return lang
}

// NegotiateLanguage picks the supported language the header prefers most.
// Region subtags fall back to their base language, so "fr-CA" selects "fr".
// An unparsable header selects the first supported language.
func NegotiateLanguage(header string, supported []string) string {
	if len(supported) == 0 {
		return ""
	}
	tags, _, err := language.ParseAcceptLanguage(header)
	if err != nil || len(tags) == 0 {
		return supported[0]
	}

	offered := make([]language.Tag, len(supported))
	for i, lang := range supported {
		offered[i] = language.Make(lang)
	}
	_, idx, conf := language.NewMatcher(offered).Match(tags...)
	if conf == language.No {
		return supported[0]
	}
	return supported[idx]
}
