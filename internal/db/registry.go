package db

import (
	"errors"
	"sort"

	"gorm.io/gorm"
)

var (
	ErrNameTaken       = errors.New("server name already taken in cluster")
	ErrClusterNotFound = errors.New("cluster not found")
	ErrServerNotFound  = errors.New("server not found")
	ErrServerAmbiguous = errors.New("server name exists in several clusters")
)

// Registry — реестр серверов. Кластер существует, пока на него ссылается
// хотя бы один сервер; отдельной таблицы кластеров нет.
type Registry struct {
	db *gorm.DB
}

func NewRegistry(gdb *gorm.DB) *Registry {
	return &Registry{db: gdb}
}

// ListAll возвращает cluster_name -> серверы, отсортированные по server_name.
func (r *Registry) ListAll() (map[string][]Server, error) {
	var servers []Server
	if err := r.db.Order("cluster_name, server_name").Find(&servers).Error; err != nil {
		return nil, err
	}
	out := make(map[string][]Server)
	for _, s := range servers {
		out[s.ClusterName] = append(out[s.ClusterName], s)
	}
	return out, nil
}

// ClusterNames возвращает отсортированный список имён кластеров.
func (r *Registry) ClusterNames() ([]string, error) {
	all, err := r.ListAll()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(all))
	for name := range all {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Cluster возвращает серверы одного кластера в стабильном порядке.
func (r *Registry) Cluster(name string) ([]Server, error) {
	var servers []Server
	if err := r.db.Where("cluster_name = ?", name).Order("server_name").Find(&servers).Error; err != nil {
		return nil, err
	}
	if len(servers) == 0 {
		return nil, ErrClusterNotFound
	}
	return servers, nil
}

// FindServer ищет сервер по имени в любом кластере. Имена уникальны только
// внутри кластера, поэтому имя из нескольких кластеров — ошибка, а не
// произвольный первый попавшийся.
func (r *Registry) FindServer(serverName string) (Server, error) {
	var servers []Server
	if err := r.db.Where("server_name = ?", serverName).Limit(2).Find(&servers).Error; err != nil {
		return Server{}, err
	}
	switch len(servers) {
	case 0:
		return Server{}, ErrServerNotFound
	case 1:
		return servers[0], nil
	}
	return Server{}, ErrServerAmbiguous
}

func (r *Registry) AddServer(s Server) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&Server{}).
			Where("cluster_name = ? AND server_name = ?", s.ClusterName, s.ServerName).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return ErrNameTaken
		}
		return tx.Create(&s).Error
	})
}

// CheckNameUnique — уникальность имени сервера в пределах кластера.
func (r *Registry) CheckNameUnique(cluster, serverName string) (bool, error) {
	var count int64
	err := r.db.Model(&Server{}).
		Where("cluster_name = ? AND server_name = ?", cluster, serverName).
		Count(&count).Error
	return count == 0, err
}

// RenameCluster переименовывает кластер и каскадно обновляет keys.server_id
// в одной транзакции.
func (r *Registry) RenameCluster(oldName, newName string) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&Server{}).Where("cluster_name = ?", oldName).
			Update("cluster_name", newName)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrClusterNotFound
		}
		return tx.Model(&Key{}).Where("server_id = ?", oldName).
			Update("server_id", newName).Error
	})
}

// RenameServer переименовывает сервер внутри кластера. Каскад по
// keys.server_id сохранён из прежней версии: server_id хранит имя кластера,
// поэтому каскад срабатывает только для унаследованных строк, привязанных к
// имени сервера напрямую.
func (r *Registry) RenameServer(cluster, oldName, newName string) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&Server{}).
			Where("cluster_name = ? AND server_name = ?", cluster, newName).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return ErrNameTaken
		}
		res := tx.Model(&Server{}).
			Where("cluster_name = ? AND server_name = ?", cluster, oldName).
			Update("server_name", newName)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrServerNotFound
		}
		return tx.Model(&Key{}).Where("server_id = ?", oldName).
			Update("server_id", newName).Error
	})
}

// DeleteServer удаляет строку сервера. Перенос ключей — забота Engine,
// здесь только чистое удаление из БД.
func (r *Registry) DeleteServer(cluster, serverName string) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Where("cluster_name = ? AND server_name = ?", cluster, serverName).
			Delete(&Server{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrServerNotFound
		}
		return nil
	})
}
