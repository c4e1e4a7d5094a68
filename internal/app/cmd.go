package app

import (
	"fmt"
	"io"
)

// Command はcrispcolonバイナリのサブコマンド。
type Command string

const (
	CommandServe       Command = "serve"
	CommandMigrate     Command = "migrate"
	CommandSweep       Command = "sweep"
	CommandHealthcheck Command = "healthcheck"
	CommandHelp        Command = "help"
)

// commandTable は使用方法の表示順を兼ねる。
var commandTable = []struct {
	cmd     Command
	aliases []string
	usage   string
}{
	{CommandServe, nil, "APIサーバーとステージング掃除を起動する（既定）"},
	{CommandMigrate, nil, "マイグレーションを実行する: migrate [up | down [n] | version]"},
	{CommandSweep, nil, "期限切れのステージングファイルを1回だけ削除する"},
	{CommandHealthcheck, nil, "稼働中サーバーの/healthを確認する（コンテナのHEALTHCHECK用）"},
	{CommandHelp, []string{"-h", "--help"}, "この一覧を表示する"},
}

// ParseCommand は先頭の引数をサブコマンドとして解釈する。
// 引数なしや未知のコマンドはコンテナのCMD省略時と同じくserveとみなす。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandServe
	}
	for _, c := range commandTable {
		if args[0] == string(c.cmd) {
			return c.cmd
		}
		for _, a := range c.aliases {
			if args[0] == a {
				return c.cmd
			}
		}
	}
	return CommandServe
}

// NeedsConfig は環境変数の必須設定を読み込む必要があるかを返す。
// healthcheckとhelpは設定が揃っていない環境でも動く必要がある。
func (c Command) NeedsConfig() bool {
	return c != CommandHealthcheck && c != CommandHelp
}

// WriteUsage はサブコマンドの一覧を書き出す。
func WriteUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: crispcolon <command> [args]")
	fmt.Fprintln(w)
	for _, c := range commandTable {
		fmt.Fprintf(w, "  %-12s %s\n", c.cmd, c.usage)
	}
}
