package cache

import (
	"context"
	"sort"
	"time"

	logx "tickd/pkg/logx"
)

// CoreTexts is the default UI string set the warmer translates. Keys are
// stable i18n identifiers; values are the English sources.
var CoreTexts = map[string]string{
	"common.welcome":  "Welcome",
	"common.login":    "Log In",
	"common.logout":   "Logout",
	"common.save":     "Save",
	"common.delete":   "Delete",
	"common.edit":     "Edit",
	"common.cancel":   "Cancel",
	"common.submit":   "Submit",
	"common.search":   "Search",
	"common.loading":  "Loading...",
	"common.error":    "Error",
	"common.success":  "Success",
	"common.back":     "Back",
	"common.continue": "Continue",

	"nav.home":     "Home",
	"nav.settings": "Settings",
	"nav.menu":     "Menu",

	"sidebar.dashboard":    "Dashboard",
	"sidebar.items":        "Items",
	"sidebar.userSettings": "User Settings",
	"sidebar.admin":        "Admin",
	"sidebar.menu":         "Menu",
	"sidebar.logout":       "Log Out",
	"sidebar.loggedInAs":   "Logged in as",

	"settings.title":            "User Settings",
	"settings.tabs.myProfile":   "My Profile",
	"settings.tabs.password":    "Password",
	"settings.tabs.appearance":  "Appearance",
	"settings.tabs.dangerZone":  "Danger Zone",
	"settings.profile.title":    "Profile Information",
	"settings.profile.name":     "Full Name",
	"settings.profile.email":    "Email",
	"settings.password.title":   "Change Password",
	"settings.appearance.title": "Appearance",
	"settings.appearance.theme": "Theme",
	"settings.appearance.language": "Language",

	"auth.loginTitle":      "Sign in to your account",
	"auth.signUpTitle":     "Create your account",
	"auth.email":           "Email",
	"auth.username":        "Username",
	"auth.password":        "Password",
	"auth.fullName":        "Full Name",
	"auth.confirmPassword": "Confirm Password",
	"auth.forgotPassword":  "Forgot Password?",
	"auth.loginButton":     "Log In",
	"auth.signUpButton":    "Sign Up",

	"dashboard.greeting":    "Hi, {{name}}",
	"dashboard.welcomeBack": "Welcome back, nice to see you again!",

	"items.title":             "Items Management",
	"items.addItem":           "Add Item",
	"items.editItem":          "Edit Item",
	"items.deleteItem":        "Delete Item",
	"items.table.title":       "Title",
	"items.table.description": "Description",
	"items.table.actions":     "Actions",

	"users.title":          "Users Management",
	"users.addUser":        "Add User",
	"users.editUser":       "Edit User",
	"users.deleteUser":     "Delete User",
	"users.table.fullName": "Full name",
	"users.table.email":    "Email",
	"users.table.role":     "Role",
	"users.table.actions":  "Actions",
}

// DefaultLanguages are the batch targets warmed when the config names none.
var DefaultLanguages = []string{"zh", "ja", "ko", "fr", "de", "es", "ru", "it", "pt", "ar"}

// Translator produces translations for a keyed batch of source texts.
// Implementations must honor ctx; a batch that cannot be translated returns
// an error and the warmer counts the language as failed.
type Translator interface {
	TranslateBatch(ctx context.Context, texts map[string]string, lang string) (map[string]string, error)
}

// BatchStore is the slice of the cache the warmer writes through. *Service
// implements it.
type BatchStore interface {
	GetBatch(ctx context.Context, lang string) (map[string]string, error)
	SetBatch(ctx context.Context, lang string, translations map[string]string) error
}

// WarmStats reports one warmup pass.
type WarmStats struct {
	TotalTexts         int `json:"total_texts"`
	LanguagesProcessed int `json:"languages_processed"`
	TotalTranslations  int `json:"total_translations"`
	Errors             int `json:"errors"`
}

// WarmerConfig tunes a Warmer. Zero values fall back to CoreTexts, the
// default language list, and a 1s pause between languages (the upstream
// translator API is rate limited; local translators don't mind the pause).
// A negative Pause disables the pause entirely.
type WarmerConfig struct {
	Texts     map[string]string
	Languages []string
	Pause     time.Duration
}

// Warmer fills the batch translation cache for every target language.
type Warmer struct {
	store BatchStore
	tr    Translator
	log   logx.Logger

	texts     map[string]string
	languages []string
	pause     time.Duration
}

func NewWarmer(cfg WarmerConfig, store BatchStore, tr Translator, log logx.Logger) *Warmer {
	if log.IsZero() {
		log = logx.Nop()
	}
	texts := cfg.Texts
	if len(texts) == 0 {
		texts = CoreTexts
	}
	langs := cfg.Languages
	if len(langs) == 0 {
		langs = DefaultLanguages
	}
	pause := cfg.Pause
	if pause < 0 {
		pause = 0
	} else if pause == 0 {
		pause = time.Second
	}
	return &Warmer{
		store:     store,
		tr:        tr,
		log:       log.With(logx.String("comp", "warmer")),
		texts:     texts,
		languages: append([]string(nil), langs...),
		pause:     pause,
	}
}

// Languages returns the warm targets in sorted order (the config list order
// is not meaningful).
func (w *Warmer) Languages() []string {
	out := append([]string(nil), w.languages...)
	sort.Strings(out)
	return out
}

// Warm translates the text set into every target language and stores the
// batches. Without force, languages that already have a cached batch are
// skipped. Per-language failures are counted, logged, and do not abort the
// pass; only ctx cancellation stops it early.
func (w *Warmer) Warm(ctx context.Context, force bool) (WarmStats, error) {
	stats := WarmStats{TotalTexts: len(w.texts)}
	if w.store == nil || w.tr == nil {
		w.log.Warn("warmup skipped: no store or translator")
		return stats, nil
	}

	w.log.Info("warmup starting",
		logx.Int("texts", len(w.texts)), logx.Int("languages", len(w.languages)),
		logx.Bool("force", force))

	for i, lang := range w.languages {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if i > 0 && w.pause > 0 {
			t := time.NewTimer(w.pause)
			select {
			case <-ctx.Done():
				t.Stop()
				return stats, ctx.Err()
			case <-t.C:
			}
		}

		if !force {
			cached, err := w.store.GetBatch(ctx, lang)
			if err == nil && len(cached) > 0 {
				w.log.Debug("warm batch already cached", logx.String("lang", lang),
					logx.Int("entries", len(cached)))
				stats.TotalTranslations += len(cached)
				stats.LanguagesProcessed++
				continue
			}
		}

		translations, err := w.tr.TranslateBatch(ctx, w.texts, lang)
		if err != nil {
			w.log.Warn("warm translate failed", logx.String("lang", lang), logx.Err(err))
			stats.Errors++
			continue
		}
		if len(translations) == 0 {
			w.log.Warn("warm translate returned nothing", logx.String("lang", lang))
			stats.Errors++
			continue
		}
		if err := w.store.SetBatch(ctx, lang, translations); err != nil {
			w.log.Warn("warm batch store failed", logx.String("lang", lang), logx.Err(err))
			stats.Errors++
			continue
		}

		stats.TotalTranslations += len(translations)
		stats.LanguagesProcessed++
		w.log.Debug("warm batch stored", logx.String("lang", lang),
			logx.Int("entries", len(translations)))
	}

	w.log.Info("warmup finished",
		logx.Int("languages", stats.LanguagesProcessed), logx.Int("translations", stats.TotalTranslations),
		logx.Int("errors", stats.Errors))
	return stats, nil
}
