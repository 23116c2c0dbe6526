// Package block は通知のブロック判定を提供する。
//
// ルールは5階層で評価される。グローバル、イベント種別、組織、ハブ、ユーザーの順に見て、
// 最初にブロックした階層で判定が決まる。イベント種別ルールの必須チャネルは
// グローバル以外の全階層より優先される。
package block
