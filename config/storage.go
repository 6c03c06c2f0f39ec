package config

// StorageConfig 存储配置
type StorageConfig struct {
	// DataDir 网络数据目录（密钥文件与节点数据库），为空时全部保存在内存
	DataDir string `json:"data_dir,omitempty"`
}

// DefaultStorageConfig 返回默认存储配置
func DefaultStorageConfig() StorageConfig {
	return StorageConfig{}
}

// Validate 验证存储配置
func (c StorageConfig) Validate() error {
	return nil
}

// WithDataDir 设置数据目录
func (c StorageConfig) WithDataDir(dir string) StorageConfig {
	c.DataDir = dir
	return c
}

// IsMemory 是否为纯内存模式
func (c StorageConfig) IsMemory() bool {
	return c.DataDir == ""
}
