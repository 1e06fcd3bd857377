package app

// Command はohqプロセスの起動モード。
type Command string

const (
	// CommandServe はキュールームのWebSocketと管理APIを提供する。
	CommandServe Command = "serve"
	// CommandWorker は期限切れセッションと古い質問履歴を定期的に掃除する。
	CommandWorker Command = "worker"
	CommandMigrate Command = "migrate"
	// CommandHealthcheck は起動中のサーバーの/healthを叩いて終了コードで返す。
	// イメージにcurlが無いためDockerのHEALTHCHECKから使う。
	CommandHealthcheck Command = "healthcheck"
)

var commands = map[string]Command{
	string(CommandServe):       CommandServe,
	string(CommandWorker):      CommandWorker,
	string(CommandMigrate):     CommandMigrate,
	string(CommandHealthcheck): CommandHealthcheck,
}

// ParseCommand は先頭の引数を起動モードに変換する。
// 残りの引数は見ない。空や未知の値はserve。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandServe
	}
	if cmd, ok := commands[args[0]]; ok {
		return cmd
	}
	return CommandServe
}
