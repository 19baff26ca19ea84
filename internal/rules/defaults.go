package rules

// Defaults is the built-in ruleset: reads are allowed except dotenv files.
// Permissions without a matching rule ask, so edits, commands, external
// directories and mode switches need no entry.
func Defaults() []Rule {
	return []Rule{
		{Permission: PermRead, Pattern: "**/.env", Action: Ask},
		{Permission: PermRead, Pattern: "**/.env.*", Action: Ask},
		{Permission: PermRead, Pattern: "**", Action: Allow},
	}
}
