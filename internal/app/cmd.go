package app

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandClient は同期エンジンをクライアントモードで起動することを示す。
	CommandClient Command = "client"
	// CommandDevServer はメッセージAPIの開発用サーバーを起動することを示す。
	CommandDevServer Command = "devserver"
)

// ParseCommand はコマンドライン引数からサブコマンドを解析する。
// 引数が空またはサポート外のコマンドの場合はCommandClientを返す。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandClient
	}

	switch args[0] {
	case "client":
		return CommandClient
	case "devserver":
		return CommandDevServer
	default:
		return CommandClient
	}
}
