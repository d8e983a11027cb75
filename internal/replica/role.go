// Пакет replica — несколько экземпляров TimeBags над общим каталогом данных.
//
// Архив контейнера перезаписывается на месте, поэтому писать в каталог
// может только один процесс: leader. Он принимает загрузки и шаги,
// запускает планировщик и сверку. Follower отвечает на чтение,
// перечитывает реестр и передаёт запись leader.
package replica

// Role — роль экземпляра.
type Role string

const (
	// RoleStandalone — единственный экземпляр.
	RoleStandalone Role = "standalone"
	// RoleLeader — держит блокировку каталога данных.
	RoleLeader Role = "leader"
	// RoleFollower — только чтение, запись передаётся leader.
	RoleFollower Role = "follower"
)

// RoleProvider — текущая роль экземпляра.
// Реализации: Standalone и Election.
type RoleProvider interface {
	CurrentRole() Role
	IsLeader() bool
	// LeaderAddr возвращает host:port leader или пустую строку.
	LeaderAddr() string
}

// Standalone — роль без выборов: экземпляр всегда пишет сам.
type Standalone struct{}

func (Standalone) CurrentRole() Role  { return RoleStandalone }
func (Standalone) IsLeader() bool     { return true }
func (Standalone) LeaderAddr() string { return "" }
