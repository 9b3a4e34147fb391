package sites

// Known Misskey instances; the extractor treats them all the same way.
var misskeyDomains = []string{
	"misskey.io", "misskey.art", "misskey.net", "misskey.love", "misskey.jp",
	"misskey.design", "misskey.xyz", "mi.0px.io", "misskey.pizza",
}

func newMisskeyHandler() Handler {
	return base{
		name:      "misskey",
		extractor: "misskey",
		domains:   misskeyDomains,
		credKeys:  []string{"username", "password"},
		resolve:   true,
		directDL:  true,
	}
}
