// Package catalog holds every user-facing string of the bot in two
// registers: a decorated one with glyphs and a plain one without. Both carry
// the same information, so switching registers never loses meaning. All
// strings are Brazilian Portuguese.
package catalog

import (
	"fmt"
	"log/slog"
)

// Register selects how messages are rendered.
type Register int

const (
	// RegisterDecorated renders messages with glyphs.
	RegisterDecorated Register = iota
	// RegisterPlain renders the same messages without decoration.
	RegisterPlain
)

// ID names one catalog message.
type ID string

// Message ids. Grouped by flow.
const (
	// General
	MsgWelcome        ID = "welcome"
	MsgChatNotAllowed ID = "chat_not_allowed"
	MsgCancelled      ID = "cancelled"
	MsgIntentExpired  ID = "intent_expired"
	MsgFileSent       ID = "file_sent"
	MsgPageIndicator  ID = "page_indicator"

	// Help topics
	MsgHelpMain     ID = "help_main"
	MsgHelpSessions ID = "help_sessions"
	MsgHelpSearch   ID = "help_search"
	MsgHelpOracles  ID = "help_oracles"

	// Session lifecycle
	MsgSessionCreated   ID = "session_created"
	MsgAudioReceived    ID = "audio_received"
	MsgFinalizeStarted  ID = "finalize_started"
	MsgTranscribing     ID = "transcribing"
	MsgTranscribeDone   ID = "transcribe_done"
	MsgSessionReady     ID = "session_ready"
	MsgSessionReopened  ID = "session_reopened"
	MsgSessionDiscarded ID = "session_discarded"
	MsgSessionKept      ID = "session_kept"
	MsgNoActiveSession  ID = "no_active_session"
	MsgConflictDialog   ID = "conflict_dialog"
	MsgRecoveryPrompt   ID = "recovery_prompt"
	MsgRenamePrompt     ID = "rename_prompt"
	MsgRenamed          ID = "renamed"
	MsgIntegrityHeader  ID = "integrity_header"
	MsgIntegrityOK      ID = "integrity_ok"
	MsgIntegrityIssue   ID = "integrity_issue"

	// Listing
	MsgSessionListHeader ID = "session_list_header"
	MsgSessionListEmpty  ID = "session_list_empty"
	MsgSessionLine       ID = "session_line"

	// Status
	MsgStatusHeader   ID = "status_header"
	MsgStatusActive   ID = "status_active"
	MsgStatusNoActive ID = "status_no_active"
	MsgStatusAudio    ID = "status_audio"
	MsgStatusQueue    ID = "status_queue"
	MsgStatusIndex    ID = "status_index"
	MsgStatusDegraded ID = "status_degraded"
	MsgStatusUptime   ID = "status_uptime"

	// Search
	MsgSearchPrompt        ID = "search_prompt"
	MsgSearchNoResults     ID = "search_no_results"
	MsgSearchResultsHeader ID = "search_results_header"
	MsgSearchModeSemantic  ID = "search_mode_semantic"
	MsgSearchModeText      ID = "search_mode_text"
	MsgSearchModeChrono    ID = "search_mode_chrono"

	// Oracles
	MsgOracleListHeader     ID = "oracle_list_header"
	MsgOracleListEmpty      ID = "oracle_list_empty"
	MsgOracleThinking       ID = "oracle_thinking"
	MsgOracleResponseHeader ID = "oracle_response_header"

	// Preferences
	MsgPrefsHeader ID = "prefs_header"
	MsgPrefUpdated ID = "pref_updated"
	MsgOn          ID = "on"
	MsgOff         ID = "off"
)

// Button label ids.
const (
	BtnNewSession        ID = "btn_new_session"
	BtnFinalize          ID = "btn_finalize"
	BtnSessions          ID = "btn_sessions"
	BtnSearch            ID = "btn_search"
	BtnOracles           ID = "btn_oracles"
	BtnPrefs             ID = "btn_prefs"
	BtnHelp              ID = "btn_help"
	BtnYes               ID = "btn_yes"
	BtnNo                ID = "btn_no"
	BtnCancel            ID = "btn_cancel"
	BtnFinalizeAndCreate ID = "btn_finalize_and_create"
	BtnDiscardAndCreate  ID = "btn_discard_and_create"
	BtnKeepCurrent       ID = "btn_keep_current"
	BtnRecover           ID = "btn_recover"
	BtnDiscard           ID = "btn_discard"
	BtnRetry             ID = "btn_retry"
	BtnNextPage          ID = "btn_next_page"
	BtnPrevPage          ID = "btn_prev_page"
	BtnVerify            ID = "btn_verify"
	BtnRename            ID = "btn_rename"
	BtnReopen            ID = "btn_reopen"
	BtnAskOracle         ID = "btn_ask_oracle"
	BtnListen            ID = "btn_listen"
	BtnFullFile          ID = "btn_full_file"
	BtnToggleHistory     ID = "btn_toggle_history"
	BtnToggleSimple      ID = "btn_toggle_simple"
)

type entry struct {
	decorated string
	plain     string
}

var messages = map[ID]entry{
	MsgWelcome: {
		"🔮 Olá! Envie áudios para registrar uma sessão, depois finalize para transcrever e consultar os oráculos.",
		"Olá! Envie áudios para registrar uma sessão, depois finalize para transcrever e consultar os oráculos.",
	},
	MsgChatNotAllowed: {
		"Este bot atende apenas um chat autorizado.",
		"Este bot atende apenas um chat autorizado.",
	},
	MsgCancelled: {
		"Operação cancelada.",
		"Operação cancelada.",
	},
	MsgIntentExpired: {
		"⌛ Tempo esgotado; operação cancelada.",
		"Tempo esgotado; operação cancelada.",
	},
	MsgFileSent: {
		"📄 Conteúdo completo enviado como arquivo.",
		"Conteúdo completo enviado como arquivo.",
	},
	MsgPageIndicator: {
		"— página %d de %d —",
		"— página %d de %d —",
	},

	MsgHelpMain: {
		"❓ Comandos:\n/new — iniciar sessão\n/finalize — transcrever a sessão ativa\n/sessions — listar sessões\n/search — buscar por tema\n/oracles — consultar um oráculo\n/prefs — preferências\n/status — estado do sistema\n/cancel — cancelar a operação pendente",
		"Comandos:\n/new — iniciar sessão\n/finalize — transcrever a sessão ativa\n/sessions — listar sessões\n/search — buscar por tema\n/oracles — consultar um oráculo\n/prefs — preferências\n/status — estado do sistema\n/cancel — cancelar a operação pendente",
	},
	MsgHelpSessions: {
		"🗂️ Uma sessão coleta áudios até ser finalizada. Depois de transcrita e indexada, ela fica pronta para busca e consulta aos oráculos. Sessões prontas podem ser reabertas para receber novos áudios.",
		"Uma sessão coleta áudios até ser finalizada. Depois de transcrita e indexada, ela fica pronta para busca e consulta aos oráculos. Sessões prontas podem ser reabertas para receber novos áudios.",
	},
	MsgHelpSearch: {
		"🔍 A busca tenta primeiro por semelhança de significado, depois por texto e por fim mostra as sessões mais recentes.",
		"A busca tenta primeiro por semelhança de significado, depois por texto e por fim mostra as sessões mais recentes.",
	},
	MsgHelpOracles: {
		"🔮 Cada oráculo é uma persona que lê a transcrição da sessão e responde à sua maneira. Alguns respondem também em áudio.",
		"Cada oráculo é uma persona que lê a transcrição da sessão e responde à sua maneira. Alguns respondem também em áudio.",
	},

	MsgSessionCreated: {
		"🎙️ Sessão %s iniciada. Envie seus áudios.",
		"Sessão %s iniciada. Envie seus áudios.",
	},
	MsgAudioReceived: {
		"🎧 Áudio %d recebido (%s).",
		"Áudio %d recebido (%s).",
	},
	MsgFinalizeStarted: {
		"⏳ Finalizando a sessão: %d áudio(s) na fila de transcrição.",
		"Finalizando a sessão: %d áudio(s) na fila de transcrição.",
	},
	MsgTranscribing: {
		"⏳ Transcrevendo %d/%d…",
		"Transcrevendo %d/%d…",
	},
	MsgTranscribeDone: {
		"✅ Transcrição concluída (%d/%d).",
		"Transcrição concluída (%d/%d).",
	},
	MsgSessionReady: {
		"🔮 Sessão \"%s\" pronta para consulta.",
		"Sessão \"%s\" pronta para consulta.",
	},
	MsgSessionReopened: {
		"🎙️ Sessão \"%s\" reaberta. Novos áudios serão adicionados ao final.",
		"Sessão \"%s\" reaberta. Novos áudios serão adicionados ao final.",
	},
	MsgSessionDiscarded: {
		"🗑️ Sessão %s descartada.",
		"Sessão %s descartada.",
	},
	MsgSessionKept: {
		"Mantendo a sessão atual.",
		"Mantendo a sessão atual.",
	},
	MsgNoActiveSession: {
		"Nenhuma sessão ativa no momento.",
		"Nenhuma sessão ativa no momento.",
	},
	MsgConflictDialog: {
		"⚠️ Já existe uma sessão ativa (%s, %d áudio(s)). O que deseja fazer?",
		"Já existe uma sessão ativa (%s, %d áudio(s)). O que deseja fazer?",
	},
	MsgRecoveryPrompt: {
		"⚠️ A sessão %s foi interrompida com %d áudio(s) coletado(s). Deseja recuperá-la?",
		"A sessão %s foi interrompida com %d áudio(s) coletado(s). Deseja recuperá-la?",
	},
	MsgRenamePrompt: {
		"✏️ Envie o novo nome da sessão.",
		"Envie o novo nome da sessão.",
	},
	MsgRenamed: {
		"✏️ Sessão renomeada para \"%s\".",
		"Sessão renomeada para \"%s\".",
	},
	MsgIntegrityHeader: {
		"🧾 Verificação da sessão %s:",
		"Verificação da sessão %s:",
	},
	MsgIntegrityOK: {
		"✅ Nenhum problema encontrado (%d áudio(s) conferido(s)).",
		"Nenhum problema encontrado (%d áudio(s) conferido(s)).",
	},
	MsgIntegrityIssue: {
		"⚠️ %s",
		"%s",
	},

	MsgSessionListHeader: {
		"🗂️ Sessões (%d):",
		"Sessões (%d):",
	},
	MsgSessionListEmpty: {
		"Nenhuma sessão encontrada.",
		"Nenhuma sessão encontrada.",
	},
	MsgSessionLine: {
		"%s — \"%s\" (%s, %d áudios)",
		"%s — \"%s\" (%s, %d áudios)",
	},

	MsgStatusHeader: {
		"📊 Estado do oráculo:",
		"Estado do oráculo:",
	},
	MsgStatusActive: {
		"Sessão ativa: \"%s\" (%s)",
		"Sessão ativa: \"%s\" (%s)",
	},
	MsgStatusNoActive: {
		"Sessão ativa: nenhuma",
		"Sessão ativa: nenhuma",
	},
	MsgStatusAudio: {
		"Áudios: %d (%d transcritos)",
		"Áudios: %d (%d transcritos)",
	},
	MsgStatusQueue: {
		"Fila de transcrição: %d pendente(s)",
		"Fila de transcrição: %d pendente(s)",
	},
	MsgStatusIndex: {
		"Índice semântico: %d de %d sessões",
		"Índice semântico: %d de %d sessões",
	},
	MsgStatusDegraded: {
		"⚠️ Busca semântica degradada; a busca por texto continua disponível.",
		"Busca semântica degradada; a busca por texto continua disponível.",
	},
	MsgStatusUptime: {
		"Ativo há %s",
		"Ativo há %s",
	},

	MsgSearchPrompt: {
		"🔍 Envie o tema que deseja buscar.",
		"Envie o tema que deseja buscar.",
	},
	MsgSearchNoResults: {
		"Nenhuma sessão corresponde a \"%s\".",
		"Nenhuma sessão corresponde a \"%s\".",
	},
	MsgSearchResultsHeader: {
		"🔍 Resultados para \"%s\" (%s):",
		"Resultados para \"%s\" (%s):",
	},
	MsgSearchModeSemantic: {
		"por semelhança",
		"por semelhança",
	},
	MsgSearchModeText: {
		"por texto",
		"por texto",
	},
	MsgSearchModeChrono: {
		"mais recentes",
		"mais recentes",
	},

	MsgOracleListHeader: {
		"🔮 Oráculos disponíveis:",
		"Oráculos disponíveis:",
	},
	MsgOracleListEmpty: {
		"Nenhum oráculo configurado.",
		"Nenhum oráculo configurado.",
	},
	MsgOracleThinking: {
		"🔮 Consultando %s…",
		"Consultando %s…",
	},
	MsgOracleResponseHeader: {
		"🔮 %s responde:",
		"%s responde:",
	},

	MsgPrefsHeader: {
		"⚙️ Preferências da sessão:",
		"Preferências da sessão:",
	},
	MsgPrefUpdated: {
		"✔️ Preferência atualizada.",
		"Preferência atualizada.",
	},
	MsgOn:  {"ativado", "ativado"},
	MsgOff: {"desativado", "desativado"},

	BtnNewSession:        {"🎙️ Nova sessão", "Nova sessão"},
	BtnFinalize:          {"✅ Finalizar", "Finalizar"},
	BtnSessions:          {"🗂️ Sessões", "Sessões"},
	BtnSearch:            {"🔍 Buscar", "Buscar"},
	BtnOracles:           {"🔮 Oráculos", "Oráculos"},
	BtnPrefs:             {"⚙️ Preferências", "Preferências"},
	BtnHelp:              {"❓ Ajuda", "Ajuda"},
	BtnYes:               {"Sim", "Sim"},
	BtnNo:                {"Não", "Não"},
	BtnCancel:            {"Cancelar", "Cancelar"},
	BtnFinalizeAndCreate: {"Finalizar e criar nova", "Finalizar e criar nova"},
	BtnDiscardAndCreate:  {"Descartar e criar nova", "Descartar e criar nova"},
	BtnKeepCurrent:       {"Manter atual", "Manter atual"},
	BtnRecover:           {"Recuperar", "Recuperar"},
	BtnDiscard:           {"Descartar", "Descartar"},
	BtnRetry:             {"🔁 Tentar novamente", "Tentar novamente"},
	BtnNextPage:          {"▶️ Próxima", "Próxima"},
	BtnPrevPage:          {"◀️ Anterior", "Anterior"},
	BtnVerify:            {"🧾 Verificar integridade", "Verificar integridade"},
	BtnRename:            {"✏️ Renomear", "Renomear"},
	BtnReopen:            {"🎙️ Reabrir", "Reabrir"},
	BtnAskOracle:         {"🔮 Consultar oráculo", "Consultar oráculo"},
	BtnListen:            {"🎧 Ouvir", "Ouvir"},
	BtnFullFile:          {"📄 Arquivo completo", "Arquivo completo"},
	BtnToggleHistory:     {"Histórico do oráculo: %s", "Histórico do oráculo: %s"},
	BtnToggleSimple:      {"Interface simples: %s", "Interface simples: %s"},
}

// Text returns the message for id in the given register, formatted with
// args when present. Unknown ids return the id itself so a missing entry is
// visible instead of silent.
func Text(reg Register, id ID, args ...any) string {
	e, ok := messages[id]
	if !ok {
		slog.Error("catalog: unknown message id", "id", id)
		return string(id)
	}
	s := e.decorated
	if reg == RegisterPlain {
		s = e.plain
	}
	if len(args) == 0 {
		return s
	}
	return fmt.Sprintf(s, args...)
}

// StateLabel maps a session state name to its pt-BR label. Unknown states
// pass through unchanged.
func StateLabel(state string) string {
	switch state {
	case "COLLECTING":
		return "coletando"
	case "TRANSCRIBING":
		return "transcrevendo"
	case "TRANSCRIBED":
		return "transcrita"
	case "EMBEDDING":
		return "indexando"
	case "READY":
		return "pronta"
	case "INTERRUPTED":
		return "interrompida"
	case "ERROR":
		return "com erro"
	}
	return state
}
