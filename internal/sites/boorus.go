package sites

// The simple booru handlers only differ in domains and credential keys.

func newDanbooruHandler() Handler {
	return base{
		name:      "danbooru",
		extractor: "danbooru",
		domains:   []string{"danbooru.donmai.us", "safebooru.org"},
		credKeys:  []string{"api-key", "user-id"},
	}
}

func newGelbooruHandler() Handler {
	return base{
		name:      "gelbooru",
		extractor: "gelbooru",
		domains:   []string{"gelbooru.com"},
		credKeys:  []string{"api-key", "user-id"},
	}
}

func newRule34Handler() Handler {
	return base{
		name:      "rule34",
		extractor: "rule34",
		domains:   []string{"rule34.xxx"},
		credKeys:  []string{"api-key", "user-id"},
	}
}

func newRule34VaultHandler() Handler {
	return base{
		name:      "rule34vault",
		extractor: "rule34vault",
		domains:   []string{"rule34vault.com"},
	}
}

func newYandereHandler() Handler {
	return base{
		name:       "yandere",
		extractor:  "yandere",
		domains:    []string{"yande.re"},
		tagOptions: [][2]string{{"tags", "true"}},
	}
}
