package boundary

// Marker phrases are matched against normalized lines, so they are written in
// normalized form themselves: uppercase, punctuation collapsed to spaces.
// The lists are closed and ordered most-specific first; fuzzy matching walks
// them in order and the first acceptable marker wins.

// startMarkers announce the beginning of the actual text in modern files.
var startMarkers = []string{
	"START OF THIS PROJECT GUTENBERG EBOOK",
	"START OF THE PROJECT GUTENBERG EBOOK",
	"START OF PROJECT GUTENBERG EBOOK",
	"START OF THE PROJECT GUTENBERG ETEXT",
	"START OF THIS PROJECT GUTENBERG ETEXT",
	"THIS ETEXT WAS PREPARED BY",
}

// disclaimerMarkers open the legacy "small print" legal block that predates
// the modern start marker. Text begins after the matching end marker.
var disclaimerMarkers = []string{
	"START SMALL PRINT",
	"THE SMALL PRINT",
	"SMALL PRINT START",
	"SMALL PRINT FOR PUBLIC DOMAIN ETEXTS",
}

// disclaimerEndMarkers close the small print block.
var disclaimerEndMarkers = []string{
	"END THE SMALL PRINT",
	"END SMALL PRINT",
	"END OF THE SMALL PRINT",
}

// endMarkers announce the end of the actual text.
var endMarkers = []string{
	"END OF THIS PROJECT GUTENBERG EBOOK",
	"END OF THE PROJECT GUTENBERG EBOOK",
	"END OF PROJECT GUTENBERG EBOOK",
	"END OF THE PROJECT GUTENBERG ETEXT",
	"END OF THIS PROJECT GUTENBERG ETEXT",
	"END OF PROJECT GUTENBERG",
}

// legaleseStartMarkers open the trailing license section in files that carry
// one without an explicit end marker before it.
var legaleseStartMarkers = []string{
	"START FULL LICENSE",
	"THE FULL PROJECT GUTENBERG LICENSE",
	"PROJECT GUTENBERG LICENSE",
	"SECTION 1 GENERAL TERMS OF USE",
}

// updateNoticeMarkers are footer phrases that only ever appear in the
// post-text boilerplate.
var updateNoticeMarkers = []string{
	"UPDATED EDITIONS WILL REPLACE THE PREVIOUS ONE",
	"CREATING THE WORKS FROM PUBLIC DOMAIN PRINT EDITIONS",
	"MOST PEOPLE START AT OUR WEBSITE",
}

// footerKeywords qualify a bare *** divider as the start of the footer when
// one of them appears within the next few lines.
var footerKeywords = []string{
	"PROJECT GUTENBERG",
	"LICENSE",
	"FOUNDATION",
	"DONATIONS",
	"TRADEMARK",
	"COPYRIGHT",
}

// australianHints mark the regional variant whose files carry a different
// boilerplate shape.
var australianHints = []string{
	"PROJECT GUTENBERG AUSTRALIA",
	"PROJECT GUTENBERG OF AUSTRALIA",
	"GUTENBERG AU",
}

// australianCutoffs end the text in the regional variant.
var australianCutoffs = []string{
	"THE END OF THIS PROJECT GUTENBERG OF AUSTRALIA EBOOK",
	"END OF PROJECT GUTENBERG AUSTRALIA EBOOK",
	"TO CONTACT PROJECT GUTENBERG OF AUSTRALIA",
}

// postStartJunk are producer/credit/license lines that routinely follow a
// real start marker and must be skipped before content begins.
var postStartJunk = []string{
	"PRODUCED BY",
	"THIS EBOOK WAS PRODUCED BY",
	"E TEXT PREPARED BY",
	"ETEXT PREPARED BY",
	"TEXT PREPARED BY",
	"TRANSCRIBED FROM",
	"HTML VERSION BY",
	"IMAGES GENEROUSLY MADE AVAILABLE",
	"DISTRIBUTED PROOFREADING",
	"DISTRIBUTED PROOFREADERS",
	"ONLINE DISTRIBUTED",
	"UPDATED",
	"NOTE",
}

// usageBoilerplate is the phrase opening nearly every modern header; it
// drives the heuristic fallback when no start marker is found.
const usageBoilerplate = "THIS EBOOK IS FOR THE USE OF ANYONE ANYWHERE"

// headerFallbackPhrases identify header lines for the no-marker fallback.
var headerFallbackPhrases = []string{
	"PROJECT GUTENBERG",
	"LICENSE",
	"COPYRIGHT",
	"PRODUCED BY",
	usageBoilerplate,
}
