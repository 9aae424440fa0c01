package discovery

import (
	"regexp"
	"strings"

	"golang.org/x/text/cases"

	"github.com/BaSui01/agentrelay/agent/protocol/a2a"
)

// Capability is the enumerated capability declared in stage descriptors.
type Capability = a2a.Capability

// capabilityAliases maps normalized free-text phrases onto enumerated
// capabilities. A phrase whose capability is not declared still reaches the
// lexicon fallback.
var capabilityAliases = map[string]Capability{
	"transcribe video":         a2a.CapabilityTranscribeVideo,
	"transcribe":               a2a.CapabilityTranscribeVideo,
	"transcription":            a2a.CapabilityTranscribeVideo,
	"download video":           a2a.CapabilityTranscribeVideo,
	"process youtube video":    a2a.CapabilityTranscribeVideo,
	"extract text":             a2a.CapabilityExtractText,
	"extract subtitles":        a2a.CapabilityExtractText,
	"text extraction":          a2a.CapabilityExtractText,
	"extract recipe from text": a2a.CapabilityExtractRecipe,
	"extract recipe":           a2a.CapabilityExtractRecipe,
	"recipe extraction":        a2a.CapabilityExtractRecipe,
	"parse recipe":             a2a.CapabilityExtractRecipe,
	"recipe parser":            a2a.CapabilityExtractRecipe,
	"structure record":         a2a.CapabilityStructureRecord,
	"structure text":           a2a.CapabilityStructureRecord,
	"store recipe in database": a2a.CapabilityStoreRecord,
	"store record":             a2a.CapabilityStoreRecord,
	"store data":               a2a.CapabilityStoreRecord,
	"save recipe":              a2a.CapabilityStoreRecord,
	"register recipe":          a2a.CapabilityStoreRecord,
	"save to database":         a2a.CapabilityStoreRecord,
	"store in notion":          a2a.CapabilityStoreRecord,
	"validate record":          a2a.CapabilityValidateRecord,
	"data validation":          a2a.CapabilityValidateRecord,
	"validate data":            a2a.CapabilityValidateRecord,
	"recipe database":          a2a.CapabilityManageRecords,
	"recipe management":        a2a.CapabilityManageRecords,
	"manage records":           a2a.CapabilityManageRecords,
}

var contentTypePhrase = regexp.MustCompile(`^process\s+(\S+)\s+content$`)

// foldCase applies Unicode case folding.
func foldCase(s string) string {
	return cases.Fold().String(s)
}

// fold case-folds a phrase and collapses whitespace.
func fold(s string) string {
	return strings.Join(strings.Fields(foldCase(s)), " ")
}

// ResolveCapability maps a free-text phrase or an enum literal to an
// enumerated capability.
func ResolveCapability(phrase string) (Capability, bool) {
	normalized := fold(phrase)
	if c, ok := capabilityAliases[normalized]; ok {
		return c, true
	}
	if c, err := a2a.ParseCapability(strings.ReplaceAll(normalized, " ", "_")); err == nil {
		return c, true
	}
	return "", false
}

// ParseContentTypePhrase extracts ct from "process {ct} content".
func ParseContentTypePhrase(phrase string) (string, bool) {
	m := contentTypePhrase.FindStringSubmatch(fold(phrase))
	if m == nil {
		return "", false
	}
	return m[1], true
}

// Lexicon is a labeled list of phrases used by the best-effort fallback.
type Lexicon struct {
	// Label names the matched area in the response details.
	Label   string
	Phrases []string
	Details map[string]any
}

// StageProfile carries the per-stage matching data that is not part of the
// descriptor: skill aliases, accepted content types and fallback lexicons.
type StageProfile struct {
	SkillAliases []string
	SkillDetails map[string]map[string]any
	ContentTypes []string
	Lexicons     []Lexicon
}

// Built-in profiles for the three stage kinds.
var (
	TranscriberProfile = StageProfile{
		SkillAliases: []string{"youtube", "video", "transcription", "subtitle", "text_extraction"},
		SkillDetails: map[string]map[string]any{
			"youtube": {
				"description": "YouTube video processing and text extraction",
				"parameters":  map[string]any{"youtube_url": "URL of the video to process"},
			},
		},
		Lexicons: []Lexicon{{
			Label:   "youtube_processing",
			Phrases: []string{"youtube", "video", "download", "transcribe", "subtitle", "extract text", "audio"},
			Details: map[string]any{"description": "Can process videos, extract subtitles and transcribe audio"},
		}},
	}

	ExtractorProfile = StageProfile{
		SkillAliases: []string{"recipe"},
		SkillDetails: map[string]map[string]any{
			"recipe_extraction": {
				"inputFormat":        "Text containing recipe information",
				"outputFormat":       "Structured recipe data in JSON format",
				"supportedLanguages": []string{"ja", "en"},
			},
		},
		ContentTypes: []string{"recipe"},
		Lexicons: []Lexicon{{
			Label:   "recipe_extraction",
			Phrases: []string{"extract recipe", "recipe extraction", "recipe parser", "parse recipe", "recipes", "cooking", "food"},
			Details: map[string]any{
				"inputFormat":  "Text containing recipe information",
				"outputFormat": "Structured recipe data in JSON format",
			},
		}},
	}

	StorerProfile = StageProfile{
		SkillAliases: []string{"notion", "registration", "validate", "database"},
		SkillDetails: map[string]map[string]any{
			"notion_registration": {
				"requiredParameters": []string{"recipe_name", "ingredients", "instructions"},
				"optionalParameters": []string{"category", "difficulty", "youtube_url", "channel_name", "thumbnail_url"},
			},
			"data_validation": {
				"requiredParameters": []string{"data"},
				"returns":            "Validated and preprocessed data",
			},
		},
		ContentTypes: []string{"recipe"},
		Lexicons: []Lexicon{
			{
				Label:   "notion_integration",
				Phrases: []string{"store data", "save recipe", "register recipe", "database", "notion", "store in notion", "save to database"},
				Details: map[string]any{"description": "Can store and manage data in hosted databases"},
			},
			{
				Label:   "data_validation",
				Phrases: []string{"validate", "validation", "check data", "verify", "preprocess"},
				Details: map[string]any{"description": "Can validate and preprocess structured data"},
			},
		},
	}
)

// ProfileFor returns the built-in profile for a stage kind.
func ProfileFor(kind string) StageProfile {
	switch kind {
	case "transcriber":
		return TranscriberProfile
	case "extractor":
		return ExtractorProfile
	case "storer":
		return StorerProfile
	default:
		return StageProfile{}
	}
}
