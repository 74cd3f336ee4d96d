package cfgexport

import "strings"

// CoreScope is the scope of rows from the global config table.
const CoreScope = "core"

// ConfigEntry is a single setting. Scope is CoreScope or a plugin name.
type ConfigEntry struct {
	Scope string
	Name  string
	Value string
}

// ExclusionRule drops entries from the export.
//
// An empty Scope matches every scope. With Prefix set, Name is matched as a
// prefix, so an empty Name with Prefix set drops the whole scope.
type ExclusionRule struct {
	Scope  string
	Name   string
	Prefix bool
}

// Matches reports whether e is dropped by r.
func (r ExclusionRule) Matches(e ConfigEntry) bool {
	if r.Scope != "" && r.Scope != e.Scope {
		return false
	}
	if r.Prefix {
		return strings.HasPrefix(e.Name, r.Name)
	}
	return r.Name == e.Name
}

// GlobalExclusions lists site-specific or volatile global settings. Copying any of
// them to another site would break its caches, version checks or maintenance state.
var GlobalExclusions = coreRules(
	"allversionshash",
	"backup_release",
	"backup_version",
	"digestmailtimelast",
	"fileslastcleanup",
	"jsrev",
	"langrev",
	"localcachedirpurged",
	"maintenance_enabled",
	"maintenance_message",
	"scheduledtaskreset",
	"scorm_updatetimelast",
	"statsfirstrun",
	"statslastdaily",
	"statslastmonthly",
	"statslastweekly",
	"release",
	"templaterev",
	"themerev",
	"version",
)

// PluginExclusions lists plugin settings that hold versions, run timestamps,
// caches, keys or tokens.
var PluginExclusions = []ExclusionRule{
	// Any plugin.
	{Name: "expirynotifylast"},
	{Name: "lastcron"},
	{Name: "themerev"},
	{Name: "version"},
	{Name: "search_activity_", Prefix: true},
	{Name: "search_chapter_", Prefix: true},
	{Name: "search_collaborative_", Prefix: true},
	{Name: "search_entry_", Prefix: true},
	{Name: "search_post_", Prefix: true},
	{Name: "search_question_", Prefix: true},
	{Name: "search_tags_", Prefix: true},

	// Whole plugins.
	{Scope: "core_plugin", Prefix: true},
	{Scope: "core_search", Prefix: true},
	{Scope: "tool_mobile", Prefix: true},
	{Scope: "tool_task", Prefix: true},

	// Single keys.
	{Scope: "hub", Name: "site_regupdateversion"},
	{Scope: "local_o365", Name: "apptokens"},
	{Scope: "local_o365", Name: "calsyncinlastrun"},
	{Scope: "local_o365", Name: "systemtokens"},
	{Scope: "mnet", Name: "openssl"},
	{Scope: "mnet", Name: "openssl_generations"},
	{Scope: "mnet", Name: "openssl_history"},
	{Scope: "mod_hvp", Name: "admin_notified"},
	{Scope: "mod_hvp", Name: "content_type_cache_updated_at"},
	{Scope: "mod_hvp", Name: "current_update"},
	{Scope: "mod_hvp", Name: "update_available"},
	{Scope: "mod_hvp", Name: "update_available_path"},
	{Scope: "mod_lti", Name: "kid"},
	{Scope: "mod_lti", Name: "privatekey"},
	{Scope: "search_simpledb", Name: "lastschemacheck"},
	{Scope: "tool_imageoptimize", Name: "lastprocessedfileid"},
}

func coreRules(names ...string) []ExclusionRule {
	rules := make([]ExclusionRule, len(names))
	for i, n := range names {
		rules[i] = ExclusionRule{Scope: CoreScope, Name: n}
	}
	return rules
}

// Filter returns the entries not matched by any rule, in input order, and the
// number of dropped entries.
func Filter(entries []ConfigEntry, rules []ExclusionRule) ([]ConfigEntry, int) {
	kept := make([]ConfigEntry, 0, len(entries))
	for _, e := range entries {
		if excluded(e, rules) {
			continue
		}
		kept = append(kept, e)
	}
	return kept, len(entries) - len(kept)
}

func excluded(e ConfigEntry, rules []ExclusionRule) bool {
	for _, r := range rules {
		if r.Matches(e) {
			return true
		}
	}
	return false
}
