package match

import (
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/avollmer/clockout/pkg/types"
)

// ErrNoMatchingProject is returned when every matching tier comes up empty.
var ErrNoMatchingProject = errors.New("no matching project")

// maxProjectPages bounds the paginated scans so they always terminate.
const maxProjectPages = 10

// acceptThreshold is the minimum similarity score a candidate must clear.
const acceptThreshold = 60

// savedScore marks matches taken from the saved mapping table, which skip
// scoring entirely.
const savedScore = 100

// ProjectSource is the slice of the billing store the matcher reads.
type ProjectSource interface {
	ListProjects(page int) ([]types.BillingProject, error)
}

// SavedMappings is the user-editable mapping table consulted before any
// network search.
type SavedMappings interface {
	ProjectID(projectKey string) (int64, bool)
	Alias(projectKey string) (string, bool)
}

// ProjectMatcher resolves a ticket project name to a billing project. The
// two backends share no key, so name similarity is the only signal; exact
// strategies are exhausted before any scored guess is accepted. Results are
// never cached — every run re-resolves.
type ProjectMatcher struct {
	source   ProjectSource
	mappings SavedMappings
	logger   *zap.Logger
}

// NewProjectMatcher creates a matcher over the given billing project source.
func NewProjectMatcher(source ProjectSource, mappings SavedMappings, logger *zap.Logger) *ProjectMatcher {
	return &ProjectMatcher{source: source, mappings: mappings, logger: logger}
}

// Resolve finds the billing project for a ticket project. projectKey feeds
// the saved-mapping tiers; searchTerm is the ticket project display name
// used by every name-based tier.
func (m *ProjectMatcher) Resolve(projectKey, searchTerm string) (*types.ProjectMatch, error) {
	searchTerm = strings.TrimSpace(searchTerm)

	// Tier 1: explicit saved mapping, trusted as-is.
	if m.mappings != nil {
		if id, ok := m.mappings.ProjectID(projectKey); ok {
			m.logger.Debug("project resolved from saved mapping",
				zap.String("project_key", projectKey),
				zap.Int64("billing_project_id", id),
			)
			return &types.ProjectMatch{ID: id, Name: searchTerm, Score: savedScore}, nil
		}
	}

	candidates, err := m.scanProjects()
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, ErrNoMatchingProject
	}

	// Tier 2: saved name alias, re-resolved by exact lookup.
	if m.mappings != nil {
		if alias, ok := m.mappings.Alias(projectKey); ok {
			if p := findExact(candidates, alias); p != nil {
				return &types.ProjectMatch{ID: p.ID, Name: p.Name, Score: savedScore}, nil
			}
			m.logger.Warn("saved alias no longer matches any billing project",
				zap.String("project_key", projectKey),
				zap.String("alias", alias),
			)
		}
	}

	// Tier 3: exact case-insensitive, trimmed name match.
	if p := findExact(candidates, searchTerm); p != nil {
		return &types.ProjectMatch{ID: p.ID, Name: p.Name, Score: savedScore}, nil
	}

	// Tier 4: exact match against common suffix/prefix variations.
	for _, variant := range nameVariants(searchTerm) {
		if p := findExact(candidates, variant); p != nil {
			m.logger.Debug("project matched via name variant",
				zap.String("term", searchTerm),
				zap.String("variant", variant),
			)
			return &types.ProjectMatch{ID: p.ID, Name: p.Name, Score: savedScore}, nil
		}
	}

	// Tier 5: starts-with on a separator boundary, so "Atlas" matches
	// "Atlas Mobile" but not "Atlasware".
	for i := range candidates {
		if startsWithBoundary(candidates[i].Name, searchTerm) {
			return &types.ProjectMatch{ID: candidates[i].ID, Name: candidates[i].Name, Score: savedScore}, nil
		}
	}

	// Tier 6: weighted similarity scoring over everything scanned.
	var best *types.BillingProject
	bestScore := 0
	for i := range candidates {
		score := scoreSimilarity(searchTerm, candidates[i].Name)
		if score > bestScore {
			best = &candidates[i]
			bestScore = score
		}
	}
	if best != nil && bestScore >= acceptThreshold {
		m.logger.Info("project matched by similarity",
			zap.String("term", searchTerm),
			zap.String("matched", best.Name),
			zap.Int("score", bestScore),
		)
		return &types.ProjectMatch{ID: best.ID, Name: best.Name, Score: bestScore}, nil
	}

	// Tier 7: crude word-containment pass, an explicit low-confidence
	// fallback once scoring has failed.
	best = nil
	bestScore = 0
	for i := range candidates {
		score := wordContainment(searchTerm, candidates[i].Name)
		if score > bestScore {
			best = &candidates[i]
			bestScore = score
		}
	}
	if best != nil && bestScore > 0 {
		m.logger.Warn("project matched by low-confidence word containment",
			zap.String("term", searchTerm),
			zap.String("matched", best.Name),
			zap.Int("score", bestScore),
		)
		return &types.ProjectMatch{ID: best.ID, Name: best.Name, Score: bestScore}, nil
	}

	return nil, ErrNoMatchingProject
}

// FirstAvailable returns an arbitrary project, used by the pipeline's
// degraded fallback path when no match clears any tier.
func (m *ProjectMatcher) FirstAvailable() (*types.BillingProject, error) {
	projects, err := m.source.ListProjects(1)
	if err != nil {
		return nil, err
	}
	if len(projects) == 0 {
		return nil, ErrNoMatchingProject
	}
	return &projects[0], nil
}

// scanProjects pages through the billing store up to the fixed ceiling.
func (m *ProjectMatcher) scanProjects() ([]types.BillingProject, error) {
	var all []types.BillingProject
	for page := 1; page <= maxProjectPages; page++ {
		projects, err := m.source.ListProjects(page)
		if err != nil {
			return nil, err
		}
		if len(projects) == 0 {
			break
		}
		all = append(all, projects...)
	}
	return all, nil
}

func findExact(candidates []types.BillingProject, name string) *types.BillingProject {
	for i := range candidates {
		if strings.EqualFold(strings.TrimSpace(candidates[i].Name), strings.TrimSpace(name)) {
			return &candidates[i]
		}
	}
	return nil
}

func nameVariants(term string) []string {
	return []string{
		term + " project",
		term + " app",
		term + " team",
		"the " + term,
	}
}

func startsWithBoundary(name, term string) bool {
	name = strings.ToLower(strings.TrimSpace(name))
	term = strings.ToLower(strings.TrimSpace(term))
	if term == "" || !strings.HasPrefix(name, term) {
		return false
	}
	if len(name) == len(term) {
		return true
	}
	switch name[len(term)] {
	case ' ', '-', '_':
		return true
	}
	return false
}

var (
	commonPrefixes = []string{"the", "new", "old"}
	commonSuffixes = []string{"ltd", "inc", "corp", "group"}
)

// scoreSimilarity computes the weighted similarity score between the search
// term and a candidate name. Higher is better; acceptThreshold gates the
// result.
func scoreSimilarity(term, name string) int {
	a := strings.ToLower(strings.TrimSpace(term))
	b := strings.ToLower(strings.TrimSpace(name))
	if a == "" || b == "" {
		return 0
	}

	score := 0

	// Substring containment either way.
	if strings.Contains(b, a) || strings.Contains(a, b) {
		score += 50
	}

	aWords := splitWords(a)
	bWords := splitWords(b)

	// Whole-word overlap.
	bSet := make(map[string]bool, len(bWords))
	for _, w := range bWords {
		bSet[w] = true
	}
	matching := 0
	for _, w := range aWords {
		if bSet[w] {
			matching++
		}
	}
	score += matching * 15

	// Length similarity, up to 10 points.
	longer, shorter := len(b), len(a)
	if shorter > longer {
		longer, shorter = shorter, longer
	}
	if longer > 0 {
		score += shorter * 10 / longer
	}

	// Partial word overlap with an adjacency bonus for consecutive hits.
	prevMatched := false
	for i, aw := range aWords {
		matched := false
		for j, bw := range bWords {
			if partialWordMatch(aw, bw) {
				matched = true
				if prevMatched && i > 0 && j > 0 && partialWordMatch(aWords[i-1], bWords[j-1]) {
					score += 5
				}
				break
			}
		}
		if matched {
			score += 5
		}
		prevMatched = matched
	}

	// Acronym equality: "CRM" vs "Customer Relationship Management".
	if len(aWords) == 1 && len(aWords[0]) >= 2 && acronym(bWords) == aWords[0] {
		score += 20
	} else if len(bWords) == 1 && len(bWords[0]) >= 2 && acronym(aWords) == bWords[0] {
		score += 20
	}

	// Shared common affixes.
	if sharedAffix(aWords, bWords, commonPrefixes, true) {
		score += 5
	}
	if sharedAffix(aWords, bWords, commonSuffixes, false) {
		score += 5
	}

	return score
}

// wordContainment is the cruder second-pass score: how many words of the
// term appear anywhere in the name.
func wordContainment(term, name string) int {
	b := strings.ToLower(name)
	score := 0
	for _, w := range splitWords(strings.ToLower(term)) {
		if len(w) >= 2 && strings.Contains(b, w) {
			score++
		}
	}
	return score
}

func splitWords(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return r == ' ' || r == '-' || r == '_' || r == '.'
	})
}

func partialWordMatch(a, b string) bool {
	if a == b {
		return true
	}
	if len(a) < 3 || len(b) < 3 {
		return false
	}
	return strings.HasPrefix(a, b[:3]) && strings.HasPrefix(b, a[:3])
}

func acronym(words []string) string {
	if len(words) < 2 {
		return ""
	}
	var sb strings.Builder
	for _, w := range words {
		sb.WriteByte(w[0])
	}
	return sb.String()
}

func sharedAffix(aWords, bWords, affixes []string, prefix bool) bool {
	pick := func(words []string) string {
		if len(words) == 0 {
			return ""
		}
		if prefix {
			return words[0]
		}
		return words[len(words)-1]
	}
	aw, bw := pick(aWords), pick(bWords)
	for _, affix := range affixes {
		if aw == affix && bw == affix {
			return true
		}
	}
	return false
}
