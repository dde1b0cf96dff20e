package scope

// Rules defines which discovered URLs belong to a crawl.
type Rules struct {
	AllowedDomains  []string
	IncludePatterns []string
	ExcludePatterns []string
	FollowExternal  bool
}

// DefaultExcludePatterns contains traps and dead ends most crawls want
// filtered: session-destroying links and binary downloads.
var DefaultExcludePatterns = []string{
	`.*[?&]logout.*`,
	`.*[?&]signout.*`,
	`.*\/logout.*`,
	`.*\/signout.*`,
	`.*\/delete-account.*`,
	`.*\/unsubscribe.*`,
	`.*\.pdf$`,
	`.*\.zip$`,
	`.*\.exe$`,
	`.*\.dmg$`,
}
