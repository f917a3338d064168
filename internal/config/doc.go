// Package config 负责加载 SoroTask 的 YAML 配置，应用默认值与环境变量覆盖。
package config
