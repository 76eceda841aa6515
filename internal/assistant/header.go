package assistant

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/ashureev/ispec/internal/identity"
)

// Prompt header schema. The bit assignments below are part of the wire
// contract and must stay stable for schema version h1.
const headerSchema = "h1"

// State flag bits (ok mask).
const (
	okHasMemory = 1 << iota
	okHasSummary
	okHasUIRoute
	okHasCurrentProject
	okAuthenticated
	okStaff
	okAdmin
)

// Policy flag bits (pol mask).
const (
	polToolsAvailable = 1 << iota
	polProtocolOpenAI
	polCompareMode
	polRepoTools
	polForcedToolChoice
)

// HeaderInput collects everything the prompt header line encodes.
type HeaderInput struct {
	User          *identity.User
	SessionID     string
	ProjectID     int64
	LastMessageID int64

	HasMemory  bool
	HasSummary bool
	HasUIRoute bool

	ToolsAvailable   bool
	ProtocolOpenAI   bool
	CompareMode      bool
	RepoTools        bool
	ForcedToolChoice bool
}

// PromptHeader renders the compact status line injected on the first round
// of a turn, plus a one-line legend so the model can decode it.
func PromptHeader(in HeaderInput) string {
	role := identity.RoleAnonymous
	if in.User != nil {
		role = in.User.Role
	}

	ok := 0
	if in.HasMemory {
		ok |= okHasMemory
	}
	if in.HasSummary {
		ok |= okHasSummary
	}
	if in.HasUIRoute {
		ok |= okHasUIRoute
	}
	if in.ProjectID > 0 {
		ok |= okHasCurrentProject
	}
	if in.User.Authenticated() {
		ok |= okAuthenticated
	}
	if in.User.IsStaff() {
		ok |= okStaff
	}
	if in.User.IsAdmin() {
		ok |= okAdmin
	}

	pol := 0
	if in.ToolsAvailable {
		pol |= polToolsAvailable
	}
	if in.ProtocolOpenAI {
		pol |= polProtocolOpenAI
	}
	if in.CompareMode {
		pol |= polCompareMode
	}
	if in.RepoTools {
		pol |= polRepoTools
	}
	if in.ForcedToolChoice {
		pol |= polForcedToolChoice
	}

	var b strings.Builder
	fmt.Fprintf(&b, "@%s u=%s s=%s p=%s m=%s ok=%s pol=%s\n",
		headerSchema,
		role.Abbrev(),
		sessionToken(in.SessionID),
		base36(in.ProjectID),
		base36(in.LastMessageID),
		base36(int64(ok)),
		base36(int64(pol)),
	)
	b.WriteString("legend: u=role s=session p=project m=last-msg ok=bits(memory,summary,route,project,auth,staff,admin) pol=bits(tools,openai,compare,repo,forced)")
	return b.String()
}

// sessionToken hashes the session id so the raw identifier never reaches
// the provider.
func sessionToken(sessionID string) string {
	sum := sha256.Sum256([]byte(sessionID))
	return hex.EncodeToString(sum[:])[:4]
}

func base36(v int64) string {
	if v < 0 {
		v = 0
	}
	return strconv.FormatInt(v, 36)
}
