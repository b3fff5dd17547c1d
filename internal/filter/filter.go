// Package filter reduces a raw chunk to the genuinely-distinct, on-topic
// incident articles, pre-tagging relationships that are certain enough to
// decide without a model call. It is pure and local: any error here is
// fatal to the chunk.
package filter

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/incidentmap/pipeline/internal/metrics"
	"github.com/incidentmap/pipeline/internal/model"
	"github.com/incidentmap/pipeline/pkg/logger"
)

type Config struct {
	SimilarityThreshold float64
	WindowDays          int
}

type Filter struct {
	cfg Config
}

func New(cfg Config) *Filter {
	if cfg.SimilarityThreshold == 0 {
		cfg.SimilarityThreshold = 0.5
	}
	if cfg.WindowDays == 0 {
		cfg.WindowDays = 7
	}
	return &Filter{cfg: cfg}
}

var (
	// Press-release report numbers, e.g. "POL-K: 240305-1-K".
	reportNumberRe = regexp.MustCompile(`(?i)\bPOL-[A-ZÄÖÜ]{1,5}:?\s*([0-9][0-9-]{3,}[0-9A-Z]?)`)

	// Explicit follow-up cross references to an earlier report number.
	crossRefRes = []*regexp.Regexp{
		regexp.MustCompile(`(?i)(?:nachtrag|folgemeldung|ergänzung|korrektur)\s+zu(?:r|m)?\s+(?:unserer\s+)?(?:meldung|pressemeldung|pressemitteilung|bericht)?\s*(?:nr\.?|#)?\s*([0-9][0-9-]{3,}[0-9A-Z]?)`),
		regexp.MustCompile(`(?i)(?:update|follow-?up|addendum)\s+to\s+(?:press\s+)?(?:release|report)\s*(?:no\.?|nr\.?|#)?\s*([0-9][0-9-]{3,}[0-9A-Z]?)`),
	}

	junkRes = []*regexp.Regexp{
		regexp.MustCompile(`(?i)verkehrsbehinderung|verkehrshinweis|verkehrslage|road closure|traffic advisory|traffic notice`),
		regexp.MustCompile(`(?i)spendenaktion|spendenaufruf|benefiz|fundrais|charity drive`),
		regexp.MustCompile(`(?i)tag der offenen tür|open house|open day`),
		regexp.MustCompile(`(?i)geschwindigkeitsmessung|blitzer|radarkontrolle|speed (?:trap|check) locations?`),
		regexp.MustCompile(`(?i)kriminalstatistik|unfallstatistik|jahresbilanz|statistics bulletin|annual crime report`),
	}

	departmentRes = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\bFW(?:-[A-ZÄÖÜ]{1,5})?:`),
		regexp.MustCompile(`(?i)feuerwehr|rettungsdienst|fire (?:department|brigade)|rescue service`),
	}

	policeAngleRe = regexp.MustCompile(`(?i)polizei|kriminalpolizei|staatsanwaltschaft|festnahme|ermittlung|police|arrest|investigation`)
)

// Run produces one FilterDecision per input article, in input order. Tiers
// apply in order: deterministic cross references, windowed lexical
// similarity, junk patterns, department patterns.
func (f *Filter) Run(articles []model.RawArticle) ([]model.FilterDecision, error) {
	n := len(articles)
	decisions := make([]model.FilterDecision, n)
	resolved := make([]bool, n)

	for i, a := range articles {
		decisions[i] = model.FilterDecision{
			ArticleID: a.ID(),
			Keep:      true,
			Reason:    model.ReasonOK,
			GroupRole: model.RoleUnrelated,
		}
		// Empty bodies are always junk regardless of title.
		if strings.TrimSpace(a.Body) == "" {
			decisions[i].Keep = false
			decisions[i].Reason = model.ReasonJunk
			resolved[i] = true
		}
	}

	f.deterministicTier(articles, decisions, resolved)
	if err := f.heuristicTier(articles, decisions, resolved); err != nil {
		return nil, err
	}
	junkTier(articles, decisions, resolved)
	departmentTier(articles, decisions, resolved)

	for _, d := range decisions {
		metrics.ArticlesFiltered.WithLabelValues(string(d.Reason)).Inc()
	}
	return decisions, nil
}

// deterministicTier links articles through structural markers: a reused
// press-release number or an explicit follow-up cross reference. Matches
// keep the article but pre-tag it as a follow-up of the earlier one.
func (f *Filter) deterministicTier(articles []model.RawArticle, decisions []model.FilterDecision, resolved []bool) {
	order := publishOrder(articles)

	byNumber := make(map[string]int)
	for _, i := range order {
		if resolved[i] {
			continue
		}
		a := articles[i]

		var matchedEarlier = -1
		if num := ownReportNumber(a); num != "" {
			if j, ok := byNumber[num]; ok {
				matchedEarlier = j
			} else {
				byNumber[num] = i
			}
		}
		if matchedEarlier < 0 {
			for _, ref := range crossReferences(a) {
				if j, ok := byNumber[ref]; ok && j != i {
					matchedEarlier = j
					break
				}
			}
		}

		if matchedEarlier >= 0 {
			decisions[i].IncidentGroupID = articles[matchedEarlier].ID()
			decisions[i].GroupRole = model.RoleFollowup
			if decisions[matchedEarlier].GroupRole == model.RoleUnrelated {
				decisions[matchedEarlier].GroupRole = model.RolePrimary
			}
			resolved[i] = true
		}
	}
}

// heuristicTier marks near-duplicates of earlier articles. Candidates are
// restricted to the same source and region within the publish window, an
// O(n·k) backward scan over the publish-sorted chunk rather than O(n²).
func (f *Filter) heuristicTier(articles []model.RawArticle, decisions []model.FilterDecision, resolved []bool) error {
	order := publishOrder(articles)
	window := time.Duration(f.cfg.WindowDays) * 24 * time.Hour

	tokens := make([]map[string]struct{}, len(articles))
	tokensOf := func(i int) (map[string]struct{}, error) {
		if tokens[i] == nil {
			set, err := tokenSet(articles[i].Title + " " + articles[i].Body)
			if err != nil {
				return nil, fmt.Errorf("article %s: %w", articles[i].URL, err)
			}
			tokens[i] = set
		}
		return tokens[i], nil
	}

	for pos, i := range order {
		if resolved[i] {
			continue
		}

		best := -1
		bestSim := 0.0
		var bestGap time.Duration

		for p := pos - 1; p >= 0; p-- {
			j := order[p]
			gap := articles[i].PublishedAt.Sub(articles[j].PublishedAt)
			if gap > window {
				break
			}
			if resolved[j] || !decisions[j].Keep {
				continue
			}
			if articles[j].Source != articles[i].Source || articles[j].Region != articles[i].Region {
				continue
			}

			setI, err := tokensOf(i)
			if err != nil {
				return err
			}
			setJ, err := tokensOf(j)
			if err != nil {
				return err
			}

			sim := jaccard(setI, setJ)
			if sim < f.cfg.SimilarityThreshold {
				continue
			}
			// Ties resolve to the closest publish time.
			if sim > bestSim || (sim == bestSim && gap < bestGap) {
				best = j
				bestSim = sim
				bestGap = gap
			}
		}

		if best >= 0 {
			target := earliestGroupMember(articles, decisions, best)
			decisions[i].Keep = false
			decisions[i].Reason = model.ReasonDuplicate
			decisions[i].IncidentGroupID = articles[target].ID()
			decisions[i].GroupRole = model.RoleFollowup
			if decisions[target].GroupRole == model.RoleUnrelated {
				decisions[target].GroupRole = model.RolePrimary
			}
			resolved[i] = true

			logger.Debug("Duplicate detected",
				zap.String("article", articles[i].URL),
				zap.String("of", articles[target].URL),
				zap.Float64("similarity", roundSim(bestSim)),
			)
		}
	}
	return nil
}

func junkTier(articles []model.RawArticle, decisions []model.FilterDecision, resolved []bool) {
	for i, a := range articles {
		if resolved[i] {
			continue
		}
		text := a.Title + " " + a.Body
		for _, re := range junkRes {
			if re.MatchString(text) {
				decisions[i].Keep = false
				decisions[i].Reason = model.ReasonJunk
				resolved[i] = true
				break
			}
		}
	}
}

func departmentTier(articles []model.RawArticle, decisions []model.FilterDecision, resolved []bool) {
	for i, a := range articles {
		if resolved[i] {
			continue
		}
		text := a.Title + " " + a.Body
		for _, re := range departmentRes {
			if re.MatchString(text) && !policeAngleRe.MatchString(text) {
				decisions[i].Keep = false
				decisions[i].Reason = model.ReasonDepartment
				resolved[i] = true
				break
			}
		}
	}
}

// publishOrder returns input indices sorted by publish time, input order
// breaking ties.
func publishOrder(articles []model.RawArticle) []int {
	order := make([]int, len(articles))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return articles[order[a]].PublishedAt.Before(articles[order[b]].PublishedAt)
	})
	return order
}

// earliestGroupMember follows an existing duplicate chain so every member
// points at the earliest-published article of the group.
func earliestGroupMember(articles []model.RawArticle, decisions []model.FilterDecision, i int) int {
	if decisions[i].IncidentGroupID == "" || decisions[i].GroupRole != model.RoleFollowup {
		return i
	}
	for j := range articles {
		if articles[j].ID() == decisions[i].IncidentGroupID {
			return j
		}
	}
	return i
}

func ownReportNumber(a model.RawArticle) string {
	if m := reportNumberRe.FindStringSubmatch(a.Title); m != nil {
		return m[1]
	}
	if m := reportNumberRe.FindStringSubmatch(a.Body); m != nil {
		return m[1]
	}
	return ""
}

func crossReferences(a model.RawArticle) []string {
	var refs []string
	text := a.Title + " " + a.Body
	for _, re := range crossRefRes {
		for _, m := range re.FindAllStringSubmatch(text, -1) {
			refs = append(refs, m[1])
		}
	}
	return refs
}

func roundSim(v float64) float64 {
	return math.Round(v*1000) / 1000
}
