// Copyright (c) AIRouter Authors.
// Licensed under the MIT License.

/*
airouter 是 AI Router 的服务入口。

进程只读环境变量，不读配置文件：ROUTER_API_KEY 与至少一个供应商
密钥是硬性要求，其余全部有默认值。serve 启动 HTTP 服务，version
打印构建信息，health 对运行中的实例做一次存活探测。

退出码约定：0 表示正常关停；1 表示配置失败（缺必需变量、没有任何
供应商密钥、PROVIDER_PRIORITY 无法解析、QUEUE_MAX_SIZE 不为正）。
*/
package main
