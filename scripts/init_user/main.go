package main

import (
	"flag"
	"fmt"
	"log"

	"github.com/habitlog/internal/config"
	"github.com/habitlog/internal/db"
)

// 初始化管理员账号；未指定时使用 SUPER_ROOT_* 配置
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("配置加载失败:", err)
	}

	username := flag.String("username", cfg.SuperRootUserName, "admin username")
	password := flag.String("password", cfg.SuperRootPassword, "admin password")
	flag.Parse()

	if *username == "" || *password == "" {
		log.Fatal("用户名和密码不能为空 (-username / -password 或 SUPER_ROOT_USER_NAME / SUPER_ROOT_PASSWORD)")
	}

	gdb, err := db.Open(db.Options{Driver: cfg.DatabaseDriver, DSN: cfg.DSN()})
	if err != nil {
		log.Fatal("数据库初始化失败:", err)
	}

	user, err := db.EnsureUser(gdb, *username, *password)
	if err != nil {
		log.Fatal("创建用户失败:", err)
	}

	fmt.Println("管理员账号就绪")
	fmt.Println("用户名:", user.Username)
	fmt.Println("user_id:", user.ID)
}
