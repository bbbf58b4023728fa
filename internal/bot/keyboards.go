package bot

import (
	"fmt"

	"github.com/pveiga/oraculo/internal/catalog"
	"github.com/pveiga/oraculo/internal/oracle"
	"github.com/pveiga/oraculo/internal/search"
	"github.com/pveiga/oraculo/internal/session"
	"github.com/pveiga/oraculo/pkg/transport"
)

// maxSelectRows caps how many session-select buttons a list message carries.
const maxSelectRows = 8

// labelRunes caps button label length; longer labels are cut with an
// ellipsis.
const labelRunes = 32

func btn(reg catalog.Register, id catalog.ID, token string, args ...any) transport.Button {
	return transport.Button{Label: catalog.Text(reg, id, args...), Token: token}
}

func trimLabel(s string) string {
	r := []rune(s)
	if len(r) <= labelRunes {
		return s
	}
	return string(r[:labelRunes-1]) + "…"
}

// mainKeyboard is the default action grid shown with the welcome and help
// messages.
func mainKeyboard(reg catalog.Register) *transport.Keyboard {
	return transport.NewKeyboard(
		transport.Row(btn(reg, catalog.BtnNewSession, "action:new_session"), btn(reg, catalog.BtnFinalize, "action:finalize")),
		transport.Row(btn(reg, catalog.BtnSessions, "action:sessions"), btn(reg, catalog.BtnSearch, "action:search")),
		transport.Row(btn(reg, catalog.BtnOracles, "action:oracles"), btn(reg, catalog.BtnPrefs, "pref:show")),
		transport.Row(btn(reg, catalog.BtnHelp, "help:main")),
	)
}

// helpKeyboard offers the help topics.
func helpKeyboard(reg catalog.Register) *transport.Keyboard {
	return transport.NewKeyboard(
		transport.Row(btn(reg, catalog.BtnSessions, "help:sessions"), btn(reg, catalog.BtnSearch, "help:search")),
		transport.Row(btn(reg, catalog.BtnOracles, "help:oracles")),
	)
}

// conflictKeyboard offers the three resolutions of the new-session conflict
// dialog.
func conflictKeyboard(reg catalog.Register) *transport.Keyboard {
	return transport.NewKeyboard(
		transport.Row(btn(reg, catalog.BtnFinalizeAndCreate, "confirm:new_session:finalize")),
		transport.Row(btn(reg, catalog.BtnDiscardAndCreate, "confirm:new_session:discard")),
		transport.Row(btn(reg, catalog.BtnKeepCurrent, "confirm:new_session:keep")),
	)
}

// recoveryKeyboard offers the three fates of an interrupted session.
func recoveryKeyboard(reg catalog.Register) *transport.Keyboard {
	return transport.NewKeyboard(
		transport.Row(btn(reg, catalog.BtnRecover, "recover:resume_session")),
		transport.Row(btn(reg, catalog.BtnFinalize, "recover:finalize_orphan")),
		transport.Row(btn(reg, catalog.BtnDiscard, "recover:discard_orphan")),
	)
}

// sessionKeyboard builds the action rows for one selected session based on
// its state.
func sessionKeyboard(reg catalog.Register, s *session.Session) *transport.Keyboard {
	var rows [][]transport.Button
	switch s.State {
	case session.StateReady:
		rows = append(rows, transport.Row(
			btn(reg, catalog.BtnAskOracle, "action:oracles"),
			btn(reg, catalog.BtnReopen, "action:reopen"),
		))
	case session.StateCollecting:
		rows = append(rows, transport.Row(btn(reg, catalog.BtnFinalize, "action:finalize")))
	}
	rows = append(rows, transport.Row(
		btn(reg, catalog.BtnRename, "action:rename"),
		btn(reg, catalog.BtnVerify, "action:verify"),
	))
	return &transport.Keyboard{Rows: rows}
}

// selectRows builds one session-select row per session, newest first,
// capped at maxSelectRows.
func selectRows(sessions []*session.Session) [][]transport.Button {
	var rows [][]transport.Button
	for _, s := range sessions {
		if len(rows) == maxSelectRows {
			break
		}
		rows = append(rows, transport.Row(transport.Button{
			Label: trimLabel(s.DisplayName()),
			Token: "search:select:" + s.ID,
		}))
	}
	return rows
}

// resultRows builds one select row per search result.
func resultRows(results []search.Result) [][]transport.Button {
	var rows [][]transport.Button
	for _, res := range results {
		if len(rows) == maxSelectRows {
			break
		}
		label := res.Name
		if label == "" {
			label = res.SessionID
		}
		rows = append(rows, transport.Row(transport.Button{
			Label: trimLabel(label),
			Token: "search:select:" + res.SessionID,
		}))
	}
	return rows
}

// oracleKeyboard lists the available personas.
func oracleKeyboard(personas []oracle.Persona) *transport.Keyboard {
	var rows [][]transport.Button
	for _, p := range personas {
		rows = append(rows, transport.Row(transport.Button{
			Label: trimLabel(p.Name),
			Token: "oracle:" + p.ID,
		}))
	}
	return &transport.Keyboard{Rows: rows}
}

// prefsKeyboard shows both toggles with their current values.
func prefsKeyboard(reg catalog.Register, prefs session.UIPreferences) *transport.Keyboard {
	return transport.NewKeyboard(
		transport.Row(btn(reg, catalog.BtnToggleHistory, "toggle:history", onOff(reg, prefs.IncludeLLMHistory))),
		transport.Row(btn(reg, catalog.BtnToggleSimple, "toggle:simple", onOff(reg, prefs.SimplifiedUI))),
	)
}

func onOff(reg catalog.Register, v bool) string {
	if v {
		return catalog.Text(reg, catalog.MsgOn)
	}
	return catalog.Text(reg, catalog.MsgOff)
}

// navRow builds the pagination row for 1-based page index of total: prev
// when available, a no-op position indicator, next when available.
func navRow(reg catalog.Register, index, total int) []transport.Button {
	var row []transport.Button
	if index > 1 {
		row = append(row, btn(reg, catalog.BtnPrevPage, fmt.Sprintf("page:%d", index-1)))
	}
	row = append(row, transport.Button{Label: fmt.Sprintf("%d/%d", index, total), Token: "page:current"})
	if index < total {
		row = append(row, btn(reg, catalog.BtnNextPage, fmt.Sprintf("page:%d", index+1)))
	}
	return row
}

// pageKeyboard assembles the keyboard of one paginated message: navigation,
// the optional full-file shortcut, then the content's own action rows.
func pageKeyboard(reg catalog.Register, ps *pageState) *transport.Keyboard {
	rows := [][]transport.Button{navRow(reg, ps.index, len(ps.pages))}
	if ps.fileRel != "" {
		rows = append(rows, transport.Row(btn(reg, catalog.BtnFullFile, "get_file:"+ps.fileRel)))
	}
	rows = append(rows, ps.extra...)
	return &transport.Keyboard{Rows: rows}
}
